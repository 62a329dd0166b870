package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teamcloud/orchestrator/pkg/store"
)

// DocumentStore is the SQLite implementation of store.DocumentStore.
// Writes are last-write-wins; coordination happens through the document
// lock, not the store.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a document store over the shared handle.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Get(ctx context.Context, docType, docID string, out any) error {
	var body []byte
	err := s.db.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE doc_type = ? AND doc_id = ?`,
		docType, docID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get document %s/%s: %w", docType, docID, err)
	}
	return json.Unmarshal(body, out)
}

func (s *DocumentStore) Set(ctx context.Context, doc store.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO documents (doc_type, doc_id, body, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (doc_type, doc_id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		doc.DocumentType(), doc.DocumentID(), body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set document %s/%s: %w", doc.DocumentType(), doc.DocumentID(), err)
	}
	return nil
}

func (s *DocumentStore) List(ctx context.Context, docType string, each func(body json.RawMessage) error) error {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE doc_type = ? ORDER BY doc_id`, docType)
	if err != nil {
		return fmt.Errorf("list documents %s: %w", docType, err)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := each(json.RawMessage(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *DocumentStore) Delete(ctx context.Context, doc store.Document) error {
	_, err := s.db.db.ExecContext(ctx,
		`DELETE FROM documents WHERE doc_type = ? AND doc_id = ?`,
		doc.DocumentType(), doc.DocumentID())
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", doc.DocumentType(), doc.DocumentID(), err)
	}
	return nil
}
