package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedpipe/internal/config"
)

func TestBuildEmbedder_Local(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(modelPath,
		[]byte(`{"model":"hash-v1","dimensions":4,"seed":7}`), 0o600))

	cfg := &config.Config{
		Backend:        config.BackendLocal,
		LocalModelPath: modelPath,
		EmbeddingDim:   4,
	}

	embedder, err := buildEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, embedder.Dimensions())
}

func TestBuildEmbedder_Inference(t *testing.T) {
	cfg := &config.Config{
		Backend:          config.BackendInference,
		InferenceURL:     "http://localhost:8080",
		EmbeddingDim:     8,
		EmbedParallelism: 2,
	}

	embedder, err := buildEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, embedder.Dimensions())
}

func TestBuildEmbedder_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Backend: "sagemaker"}

	_, err := buildEmbedder(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sagemaker")
}

func TestBuildSink_UnknownBackend(t *testing.T) {
	cfg := &config.Config{IndexBackend: "pinecone"}

	_, _, err := buildSink(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinecone")
}

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := withRetry(func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ReturnsLastError(t *testing.T) {
	calls := 0
	err := withRetry(func() error {
		calls++
		return errors.New("still down")
	}, 3, time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := withRetry(func() error {
		calls++
		return nil
	}, 0, time.Millisecond)

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
