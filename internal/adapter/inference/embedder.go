// Package inference adapts a dedicated embedding inference server (the
// text-embeddings-inference wire shape: POST /embed with {"inputs": [...]}).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"embedpipe/internal/worker"
)

type Embedder struct {
	baseURL string
	dims    int
	http    *http.Client
	sem     *semaphore.Weighted

	maxRetryElapsed time.Duration
}

func NewEmbedder(baseURL string, dims, parallelism int) *Embedder {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Embedder{
		baseURL:         strings.TrimRight(baseURL, "/"),
		dims:            dims,
		http:            &http.Client{},
		sem:             semaphore.NewWeighted(int64(parallelism)),
		maxRetryElapsed: time.Minute,
	}
}

func (e *Embedder) Dimensions() int { return e.dims }

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}
	defer e.sem.Release(1)

	payload, err := json.Marshal(embedRequest{Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendRejected, err)
	}

	var vectors [][]float32
	operation := func() error {
		vectors, err = e.call(ctx, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, worker.ErrBackendRejected) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *Embedder) call(ctx context.Context, payload []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := strings.TrimSpace(string(body))
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			reason = apiErr.Error
		}

		switch {
		case resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusRequestEntityTooLarge ||
			resp.StatusCode == http.StatusUnprocessableEntity:
			// The server cannot tell us which input offended; the loop
			// applies retry-then-permanent to the batch. Map rejection of
			// the batch as a whole.
			return nil, fmt.Errorf("%w: %d %s", worker.ErrBackendRejected, resp.StatusCode, reason)
		default:
			return nil, fmt.Errorf("%w: %d %s", worker.ErrBackendUnavailable, resp.StatusCode, reason)
		}
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", worker.ErrBackendUnavailable, err)
	}
	return vectors, nil
}

var _ worker.Embedder = (*Embedder)(nil)
