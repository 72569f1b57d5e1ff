// Package opensearch adapts the OpenSearch bulk API to the worker's
// idempotent index sink contract. Documents are indexed with _id = doc_id, so
// a repeated upsert fully replaces the previous version.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"embedpipe/internal/worker"
)

type Sink struct {
	base  string
	index string
	user  string
	pass  string
	http  *http.Client
}

type Config struct {
	URL      string
	Index    string
	Username string
	Password string
}

func NewSink(cfg Config) *Sink {
	return &Sink{
		base:  strings.TrimRight(cfg.URL, "/"),
		index: cfg.Index,
		user:  cfg.Username,
		pass:  cfg.Password,
		http:  &http.Client{},
	}
}

// EnsureIndex creates the knn-enabled index if it does not exist. spaceType
// and efConstruction come from configuration; dimension is asserted once here
// and again per vector by the loop.
func (s *Sink) EnsureIndex(ctx context.Context, dim int, spaceType string, efConstruction int) error {
	status, _, err := s.do(ctx, http.MethodHead, "/"+s.index, nil)
	if err != nil {
		return fmt.Errorf("%w: index check: %v", worker.ErrIndexUnavailable, err)
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("%w: index check returned %d", worker.ErrIndexUnavailable, status)
	}

	mapping := map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{"knn": true},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"doc_id": map[string]interface{}{"type": "keyword"},
				"text":   map[string]interface{}{"type": "text"},
				"meta":   map[string]interface{}{"type": "object"},
				"vector": map[string]interface{}{
					"type":      "knn_vector",
					"dimension": dim,
					"method": map[string]interface{}{
						"name":       "hnsw",
						"engine":     "nmslib",
						"space_type": spaceType,
						"parameters": map[string]interface{}{
							"ef_construction": efConstruction,
						},
					},
				},
			},
		},
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}

	status, respBody, err := s.do(ctx, http.MethodPut, "/"+s.index, body)
	if err != nil {
		return fmt.Errorf("%w: create index: %v", worker.ErrIndexUnavailable, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("%w: create index: %d %s", worker.ErrIndexUnavailable, status, respBody)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Upsert writes the batch with one _bulk call and maps per-item statuses to
// per-document outcomes.
func (s *Sink) Upsert(ctx context.Context, docs []worker.IndexDocument) ([]worker.UpsertResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		action := map[string]interface{}{
			"index": map[string]interface{}{"_index": s.index, "_id": d.DocID},
		}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
	}

	status, body, err := s.do(ctx, http.MethodPost, "/_bulk", buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: bulk: %v", worker.ErrIndexUnavailable, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: bulk returned %d: %s", worker.ErrIndexUnavailable, status, body)
	}

	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode bulk response: %v", worker.ErrIndexUnavailable, err)
	}
	if len(resp.Items) != len(docs) {
		return nil, fmt.Errorf("%w: bulk returned %d items for %d documents",
			worker.ErrIndexUnavailable, len(resp.Items), len(docs))
	}

	results := make([]worker.UpsertResult, len(docs))
	for i, item := range resp.Items {
		res := worker.UpsertResult{DocID: docs[i].DocID}
		for _, op := range item { // single key: "index"
			if op.Status >= 300 {
				reason := fmt.Sprintf("status %d", op.Status)
				if op.Error != nil {
					reason = fmt.Sprintf("%s: %s", op.Error.Type, op.Error.Reason)
				}
				if op.Status == http.StatusTooManyRequests || op.Status >= 500 {
					res.Err = fmt.Errorf("%w: %s", worker.ErrIndexUnavailable, reason)
				} else {
					res.Err = fmt.Errorf("%w: %s", worker.ErrIndexRejected, reason)
				}
			}
		}
		results[i] = res
	}
	return results, nil
}

// Purge deletes every document without dropping the mapping.
func (s *Sink) Purge(ctx context.Context) error {
	body := []byte(`{"query":{"match_all":{}}}`)
	status, respBody, err := s.do(ctx, http.MethodPost, "/"+s.index+"/_delete_by_query", body)
	if err != nil {
		return fmt.Errorf("%w: purge: %v", worker.ErrIndexUnavailable, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: purge returned %d: %s", worker.ErrIndexUnavailable, status, respBody)
	}
	return nil
}

func (s *Sink) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

var _ worker.IndexSink = (*Sink)(nil)
