// Package store defines the persistence interfaces the orchestrator depends
// on. Implementations live in pkg/sqlite.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is anything the store can persist. Model types implement this
// structurally; the store never inspects document bodies.
type Document interface {
	DocumentType() string
	DocumentID() string
}

// DocumentStore persists documents keyed by (type, id) with last-write-wins
// semantics. There are no transactions across documents; concurrent writers
// are expected to coordinate through the document lock.
type DocumentStore interface {
	// Get loads the document with the given key into out.
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, docType, docID string, out any) error

	// Set writes the document, overwriting any previous version.
	Set(ctx context.Context, doc Document) error

	// List streams the raw bodies of all documents of a type.
	List(ctx context.Context, docType string, each func(body json.RawMessage) error) error

	// Delete removes the document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, doc Document) error
}
