package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SerializerStateStore persists the per-project active command marker for
// the command serializer. State is created on first use and kept forever.
type SerializerStateStore struct {
	db *DB
}

// NewSerializerStateStore creates a state store over the shared handle.
func NewSerializerStateStore(db *DB) *SerializerStateStore {
	return &SerializerStateStore{db: db}
}

// Get returns the stored active command id for the project, or "" when the
// project has no state yet.
func (s *SerializerStateStore) Get(ctx context.Context, projectID string) (string, error) {
	var active string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT active_command_id FROM serializer_state WHERE project_id = ?`,
		projectID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get serializer state %s: %w", projectID, err)
	}
	return active, nil
}

// Set overwrites the active command id for the project.
func (s *SerializerStateStore) Set(ctx context.Context, projectID, commandID string) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO serializer_state (project_id, active_command_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (project_id) DO UPDATE SET
			active_command_id = excluded.active_command_id,
			updated_at = excluded.updated_at`,
		projectID, commandID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set serializer state %s: %w", projectID, err)
	}
	return nil
}
