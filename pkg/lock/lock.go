// Package lock provides advisory mutual exclusion over stored documents,
// keyed by (document type, document id). Leases are externally persisted so
// instances on different workers contend correctly, and every lease carries
// an expiry so a forcibly terminated holder cannot wedge the key.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a lease survives a holder that never releases.
const DefaultTTL = time.Minute

// LeaseStore is the persistence primitive behind the manager. Implemented
// in pkg/sqlite.
type LeaseStore interface {
	// TryAcquire atomically claims the key for holder if it is free or its
	// current lease has expired. Returns false on contention.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release frees the key if holder still owns it.
	Release(ctx context.Context, key, holder string) error
}

// Manager hands out exclusive leases. A holder must not re-acquire a key it
// already holds; the lock is not reentrant.
type Manager struct {
	store LeaseStore
	ttl   time.Duration
	poll  time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the lease expiry fallback.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a blocked acquisition re-checks the key.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// NewManager creates a lock manager over the given lease store.
func NewManager(store LeaseStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		ttl:   DefaultTTL,
		poll:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	manager  *Manager
	key      string
	holder   string
	released bool
}

// Key returns the composed lock key.
func (l *Lease) Key() string { return l.key }

// Release frees the lease. Safe to call more than once.
func (l *Lease) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	return l.manager.store.Release(context.Background(), l.key, l.holder)
}

// Key composes the lock key for a document.
func Key(docType, docID string) string {
	return docID + "@" + docType
}

// Acquire blocks until the key is available or ctx ends. Store failures are
// returned to the caller as transient errors eligible for workflow-level
// retry.
func (m *Manager) Acquire(ctx context.Context, docType, docID string) (*Lease, error) {
	key := Key(docType, docID)
	holder := uuid.NewString()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		ok, err := m.store.TryAcquire(ctx, key, holder, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("lease store: %w", err)
		}
		if ok {
			return &Lease{manager: m, key: key, holder: holder}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Do runs fn while holding the lock, releasing on every exit path including
// panic.
func (m *Manager) Do(ctx context.Context, docType, docID string, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, docType, docID)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}
