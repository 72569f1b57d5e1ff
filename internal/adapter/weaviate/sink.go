// Package weaviate adapts the Weaviate batch API to the worker's idempotent
// index sink contract.
package weaviate

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"embedpipe/internal/worker"
)

// idNamespace makes object ids a pure function of doc_id, so a redelivered
// message PUTs over the same object instead of creating a duplicate.
var idNamespace = uuid.MustParse("9f2c68e4-1b1d-4a37-9c0e-52a94c7b1d6a")

// ObjectID returns the deterministic Weaviate object id for a doc_id.
func ObjectID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(docID)).String())
}

type Sink struct {
	client *weaviate.Client
	class  string
}

func NewSink(client *weaviate.Client, class string) *Sink {
	return &Sink{client: client, class: class}
}

// Upsert writes the whole batch in one call. The batch response is
// positionally aligned with the request; per-object errors map to
// per-document outcomes, so one rejected document never fails its siblings.
func (s *Sink) Upsert(ctx context.Context, docs []worker.IndexDocument) ([]worker.UpsertResult, error) {
	objects := make([]*models.Object, len(docs))
	for i, d := range docs {
		objects[i] = &models.Object{
			Class: s.class,
			ID:    ObjectID(d.DocID),
			Properties: map[string]interface{}{
				"docId": d.DocID,
				"text":  d.Text,
				"meta":  d.Meta,
			},
			Vector: d.Vector,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrIndexUnavailable, err)
	}
	if len(resp) != len(docs) {
		return nil, fmt.Errorf("%w: batch returned %d results for %d objects",
			worker.ErrIndexUnavailable, len(resp), len(docs))
	}

	results := make([]worker.UpsertResult, len(docs))
	for i, obj := range resp {
		res := worker.UpsertResult{DocID: docs[i].DocID}
		if msg := objectError(obj); msg != "" {
			res.Err = classify(msg)
		}
		results[i] = res
	}
	return results, nil
}

// Purge removes every document without dropping the class, mirroring the
// operational reset the pipeline supports.
func (s *Sink) Purge(ctx context.Context) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.class).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"docId"}).
			WithOperator(filters.Like).
			WithValueText("*")).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: purge: %v", worker.ErrIndexUnavailable, err)
	}
	return nil
}

func objectError(obj models.ObjectsGetResponse) string {
	if obj.Result == nil || obj.Result.Errors == nil || len(obj.Result.Errors.Error) == 0 {
		return ""
	}
	parts := make([]string, 0, len(obj.Result.Errors.Error))
	for _, e := range obj.Result.Errors.Error {
		if e != nil {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// classify maps a per-object error message to the failure taxonomy. Schema
// and validation problems are permanent; anything that smells transient is
// retryable.
func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "vector lengths"),
		strings.Contains(lower, "no such prop"),
		strings.Contains(lower, "validation"):
		return fmt.Errorf("%w: %s", worker.ErrIndexRejected, msg)
	default:
		return fmt.Errorf("%w: %s", worker.ErrIndexUnavailable, msg)
	}
}

var _ worker.IndexSink = (*Sink)(nil)
