package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Database wraps the ledger's Postgres connection. The coordinator is its
// single writer; API handlers only read through it.
type Database struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens a connection and verifies it with a ping.
func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// GetDB exposes the raw connection for repos.
func (d *Database) GetDB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.GetDB().ExecContext(ctx, query, args...)
}

func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.GetDB().QueryContext(ctx, query, args...)
}

func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.GetDB().QueryRowContext(ctx, query, args...)
}

func (d *Database) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.GetDB().BeginTx(ctx, nil)
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping tests the connection.
func (d *Database) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return fmt.Errorf("database is not connected")
	}
	return d.db.Ping()
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (d *Database) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS releases (
	project    varchar(255) NOT NULL,
	version    varchar(255) NOT NULL,
	commit_ref varchar(255) NOT NULL,
	location   text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (project, version)
);
CREATE TABLE IF NOT EXISTS deployment_attempts (
	project     varchar(255) NOT NULL,
	id          bigint NOT NULL,
	version     varchar(255) NOT NULL,
	requester   varchar(255) NOT NULL,
	state       varchar(32) NOT NULL,
	reason      text NOT NULL DEFAULT '',
	is_rollback boolean NOT NULL DEFAULT false,
	start_time  timestamptz NOT NULL,
	end_time    timestamptz,
	PRIMARY KEY (project, id)
);
CREATE TABLE IF NOT EXISTS node_outcomes (
	project    varchar(255) NOT NULL,
	attempt_id bigint NOT NULL,
	node_id    varchar(255) NOT NULL,
	phase      varchar(32) NOT NULL,
	health     jsonb,
	latency    interval,
	error      text NOT NULL DEFAULT '',
	PRIMARY KEY (project, attempt_id, node_id)
);
CREATE TABLE IF NOT EXISTS rollback_entries (
	project      varchar(255) NOT NULL,
	attempt_id   bigint NOT NULL,
	version      varchar(255) NOT NULL,
	nodes        jsonb NOT NULL,
	activated_at timestamptz NOT NULL,
	PRIMARY KEY (project, attempt_id)
);
`
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
