// Package store persists automations, executions, trigger bookmarks, and
// webhook subscriptions in Postgres with JSONB payload columns.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"staqflow/internal/logging"
)

// Store wraps a pgx pool with typed accessors for the engine's tables.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("Store"),
	}
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables if they do not exist. Legacy deployments
// carry extra conditions/actions columns on automations and split result
// columns on executions; the schema keeps them so old rows stay readable.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	query := `
CREATE TABLE IF NOT EXISTS automations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    workspace_id TEXT NOT NULL,
    workspace_key TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    trigger JSONB NOT NULL,
    components JSONB,
    conditions JSONB,
    actions JSONB,
    execution_order INT NOT NULL DEFAULT 0,
    created_by TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automations_workspace ON automations (workspace_id);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    trigger_data JSONB,
    component_results JSONB,
    condition_result JSONB,
    action_results JSONB,
    error TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    duration_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions (automation_id, started_at DESC);

CREATE TABLE IF NOT EXISTS trigger_states (
    id TEXT PRIMARY KEY,
    automation_id TEXT NOT NULL UNIQUE REFERENCES automations(id) ON DELETE CASCADE,
    last_checked_at TIMESTAMPTZ NOT NULL,
    last_seen_data JSONB NOT NULL DEFAULT '{}'::jsonb,
    checksum TEXT,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    events JSONB NOT NULL DEFAULT '[]'::jsonb,
    secret TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.pool.Exec(ctx, query)
	return err
}
