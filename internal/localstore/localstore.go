// Package localstore is the embedded SQLite backend. It serves the same
// interfaces as the PostgreSQL store for single-process runs and tests.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    content     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    importance  REAL NOT NULL,
    created_at  INTEGER NOT NULL,
    vector      TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    citations   TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_memories_owner_created ON memories(owner_id, created_at);

CREATE TABLE IF NOT EXISTS memory_quarantine (
    memory_id  TEXT NOT NULL,
    owner_id   TEXT NOT NULL,
    side       TEXT NOT NULL,
    reason     TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '',
    at         INTEGER NOT NULL,
    PRIMARY KEY (memory_id, side)
);

CREATE TABLE IF NOT EXISTS plans (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    for_date    TEXT NOT NULL,
    goals       TEXT NOT NULL DEFAULT '[]',
    blocks      TEXT NOT NULL DEFAULT '[]',
    status      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_owner_created ON plans(owner_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_one_active ON plans(owner_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS agent_states (
    agent_id                TEXT PRIMARY KEY,
    importance_accumulator  REAL NOT NULL DEFAULT 0,
    last_reflection_at      INTEGER,
    current_plan_id         TEXT NOT NULL DEFAULT '',
    reflection_pending      INTEGER NOT NULL DEFAULT 0,
    updated_at              INTEGER NOT NULL
);
`

// Store is a SQLite database holding memories, plans and agent state.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serializing here avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
