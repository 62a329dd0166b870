package sqlite

import (
	"context"
	"fmt"
	"time"
)

// LeaseStore is the SQLite implementation of lock.LeaseStore. A single
// upsert claims free or expired keys atomically.
type LeaseStore struct {
	db *DB
}

// NewLeaseStore creates a lease store over the shared handle.
func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

func (s *LeaseStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.db.ExecContext(ctx,
		`INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ?`,
		key, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LeaseStore) Release(ctx context.Context, key, holder string) error {
	_, err := s.db.db.ExecContext(ctx,
		`DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
