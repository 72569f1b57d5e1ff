package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedpipe/internal/worker"
)

// newTestEmbedder shortens the retry window so failure paths resolve fast.
func newTestEmbedder(url string) *Embedder {
	e := NewEmbedder(url, 3, 2)
	e.maxRetryElapsed = 500 * time.Millisecond
	return e
}

func TestEmbed_Success(t *testing.T) {
	var gotInputs []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotInputs = req.Inputs

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}})
	}))
	defer ts.Close()

	e := newTestEmbedder(ts.URL)
	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0])
	assert.Equal(t, []string{"alpha", "beta"}, gotInputs)
}

func TestEmbed_RejectedInputNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(errorResponse{Error: "input exceeds maximum length", ErrorType: "Validation"})
	}))
	defer ts.Close()

	e := newTestEmbedder(ts.URL)
	_, err := e.Embed(context.Background(), []string{"way too long"})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrBackendRejected)
	assert.Contains(t, err.Error(), "input exceeds maximum length")
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([][]float32{{1, 2, 3}})
	}))
	defer ts.Close()

	e := newTestEmbedder(ts.URL)
	vecs, err := e.Embed(context.Background(), []string{"flaky"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestEmbed_UnavailableAfterRetriesExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	e := newTestEmbedder(ts.URL)
	_, err := e.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrBackendUnavailable)
}

func TestEmbed_EmptyInput(t *testing.T) {
	e := newTestEmbedder("http://unused")
	vecs, err := e.Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbed_ServerGone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	e := newTestEmbedder(ts.URL)
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, worker.ErrBackendUnavailable)
}
