// Package sqlite implements the orchestrator's persistence on SQLite: the
// document store, the workflow history and step log, lock leases and the
// command serializer state. The pure Go driver keeps the binary CGo-free.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// config holds internal configuration for the database handle.
type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
}

func defaultConfig() config {
	return config{
		dsn:          "orchestrator.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
	}
}

// Option configures the database handle.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemoryDatabase switches to an in-memory database, used in tests.
func WithMemoryDatabase() Option {
	return func(c *config) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithWALMode enables write-ahead logging. Recommended for file-backed
// databases; not applicable to :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// DB wraps the SQLite handle shared by all orchestrator stores.
type DB struct {
	db *sql.DB
}

// Open opens the database and runs migrations.
func Open(opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A :memory: database exists per connection; the pool must stay at one.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode && cfg.dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// SQL exposes the underlying handle for tests and diagnostics.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_type   TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			body       TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (doc_type, doc_id)
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id                TEXT PRIMARY KEY,
			orchestration     TEXT NOT NULL,
			status            TEXT NOT NULL,
			custom_status     TEXT NOT NULL DEFAULT '',
			created_time      TIMESTAMP NOT NULL,
			last_updated_time TIMESTAMP NOT NULL,
			input             TEXT,
			output            TEXT,
			timeout_ms        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			instance_id TEXT NOT NULL,
			step_key    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			output      TEXT,
			error       TEXT,
			attempts    INTEGER NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP NOT NULL,
			PRIMARY KEY (instance_id, step_key)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			key        TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS serializer_state (
			project_id        TEXT PRIMARY KEY,
			active_command_id TEXT NOT NULL DEFAULT '',
			updated_at        TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
