// Package s3store wraps the upstream object store: it resolves content
// locators to document text and archives raw vectors as a side channel.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"embedpipe/internal/worker"
)

type Client struct {
	s3 *s3.Client
}

// Options for endpoint overrides (MinIO, localstack, tests).
type Options struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3: client}, nil
}

// NewFromClient wraps an existing S3 client.
func NewFromClient(client *s3.Client) *Client {
	return &Client{s3: client}
}

// Fetch resolves a locator to the document text. Every failure is wrapped in
// ErrContentUnavailable: a missing object and an unreachable store are both
// retryable until the attempt ceiling.
func (c *Client) Fetch(ctx context.Context, bucket, key string) (string, error) {
	resp, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", fmt.Errorf("%w: s3://%s/%s does not exist", worker.ErrContentUnavailable, bucket, key)
		}
		return "", fmt.Errorf("%w: s3://%s/%s: %v", worker.ErrContentUnavailable, bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read s3://%s/%s: %v", worker.ErrContentUnavailable, bucket, key, err)
	}

	return string(body), nil
}

// VectorArchive writes a copy of each indexed vector to a secondary bucket,
// keyed by doc_id. Best effort only.
type VectorArchive struct {
	s3     *s3.Client
	bucket string
}

func NewVectorArchive(client *Client, bucket string) *VectorArchive {
	return &VectorArchive{s3: client.s3, bucket: bucket}
}

func (a *VectorArchive) Name() string { return "vector-archive" }

func (a *VectorArchive) Write(ctx context.Context, doc worker.IndexDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal vector archive: %w", err)
	}

	key := fmt.Sprintf("vectors/%s.json", doc.DocID)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

var (
	_ worker.SourceStore = (*Client)(nil)
	_ worker.SideWriter  = (*VectorArchive)(nil)
)
