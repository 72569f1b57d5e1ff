// Package metastore records per-document terminal status in Postgres, keyed
// by doc_id. It is an optional side channel: the worker loop writes to it
// best effort and never blocks the primary upsert on it.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"embedpipe/internal/worker"
)

type Store struct {
	db    *sql.DB
	table string
}

func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = "document_meta"
	}
	return &Store{db: db, table: table}
}

func (s *Store) MarkIndexed(ctx context.Context, doc worker.IndexDocument) error {
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (doc_id, status, error, meta, updated_at)
		VALUES ($1, 'indexed', '', $2, NOW())
		ON CONFLICT (doc_id) DO UPDATE
		SET status = 'indexed', error = '', meta = EXCLUDED.meta, updated_at = NOW()`,
		s.table)

	if _, err := s.db.ExecContext(ctx, query, doc.DocID, meta); err != nil {
		return fmt.Errorf("mark indexed %s: %w", doc.DocID, err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, docID, reason string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (doc_id, status, error, meta, updated_at)
		VALUES ($1, 'failed', $2, '{}', NOW())
		ON CONFLICT (doc_id) DO UPDATE
		SET status = 'failed', error = EXCLUDED.error, updated_at = NOW()`,
		s.table)

	if _, err := s.db.ExecContext(ctx, query, docID, reason); err != nil {
		return fmt.Errorf("mark failed %s: %w", docID, err)
	}
	return nil
}

var _ worker.StatusStore = (*Store)(nil)
