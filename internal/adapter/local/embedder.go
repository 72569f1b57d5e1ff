// Package local provides an in-process embedding backend: a seeded
// hashed-token projection. Vector quality is far below a hosted model; it
// exists for air-gapped deployments and offline testing, where it keeps the
// pipeline semantics intact without a network dependency.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"

	"embedpipe/internal/worker"
)

// modelFile is the on-disk description the embedder loads at startup.
type modelFile struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Seed       uint64 `json:"seed"`
}

type Embedder struct {
	model string
	dims  int
	seed  uint64
}

// NewEmbedder loads the model description from path. A missing or unreadable
// file is a ModelUnavailable error, surfaced at startup rather than per
// message.
func NewEmbedder(path string, configuredDims int) (*Embedder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrModelUnavailable, err)
	}

	var mf modelFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", worker.ErrModelUnavailable, path, err)
	}
	if mf.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: %s declares no dimensions", worker.ErrModelUnavailable, path)
	}
	if configuredDims > 0 && mf.Dimensions != configuredDims {
		return nil, fmt.Errorf("%w: model %s has %d, configured %d",
			worker.ErrDimensionMismatch, mf.Model, mf.Dimensions, configuredDims)
	}

	return &Embedder{model: mf.Model, dims: mf.Dimensions, seed: mf.Seed}, nil
}

func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

// embedOne folds token hashes into a fixed-length vector and L2-normalizes
// it. Deterministic for a given seed, so repeated upserts of the same text
// produce identical vectors.
func (e *Embedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64() ^ e.seed

		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

var _ worker.Embedder = (*Embedder)(nil)
