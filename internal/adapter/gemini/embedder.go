// Package gemini adapts the Gemini embedding API to the worker's batch
// embedder contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"embedpipe/internal/worker"
)

// Embedder calls the Gemini embedding model with whole batches. Concurrent
// calls are bounded and throttling responses are retried with exponential
// backoff and jitter before the failure is surfaced to the loop.
type Embedder struct {
	client *genai.Client
	model  string
	dims   int
	sem    *semaphore.Weighted

	// maxRetryElapsed caps the in-adapter backoff; beyond it the batch is
	// handed back to the loop as BackendUnavailable.
	maxRetryElapsed time.Duration
}

func NewEmbedder(ctx context.Context, apiKey, model string, dims, parallelism int, opts ...option.ClientOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if parallelism < 1 {
		parallelism = 1
	}

	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &Embedder{
		client:          client,
		model:           model,
		dims:            dims,
		sem:             semaphore.NewWeighted(int64(parallelism)),
		maxRetryElapsed: time.Minute,
	}, nil
}

func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Close() error { return e.client.Close() }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}
	defer e.sem.Release(1)

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	var resp *genai.BatchEmbedContentsResponse
	operation := func() error {
		var err error
		resp, err = em.BatchEmbedContents(ctx, batch)
		if err == nil {
			return nil
		}
		if !throttled(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("%w: %v", worker.ErrBackendRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", worker.ErrBackendUnavailable, i)
		}
		out = append(out, emb.Values)
	}
	return out, nil
}

// throttled reports whether the error is worth retrying inside the adapter:
// rate limits, server errors and network failures. Client errors are not.
func throttled(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	// Network-level failure without an HTTP status.
	return true
}

// rejected reports whether the backend refused the input itself, e.g.
// oversized text. Gemini does not identify which batch entry offended, so the
// loop applies its retry-then-permanent rule to the whole batch.
func rejected(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 400 || gerr.Code == 413
	}
	return false
}

var _ worker.Embedder = (*Embedder)(nil)
