// Package postgres stores samebot's memories and scrapbook in PostgreSQL,
// using pgvector for similarity search and tsvector for full-text search.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/achimala/samebot-zero/common/retry"
)

// Schema is applied on every Open; all statements are idempotent.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id           TEXT PRIMARY KEY,
    content      TEXT NOT NULL,
    embedding    vector NOT NULL,
    strength     DOUBLE PRECISION NOT NULL CHECK (strength > 0),
    last_seen_at TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    content_tsv  tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories USING GIN (content_tsv);

CREATE TABLE IF NOT EXISTS scrapbook_memories (
    id          TEXT PRIMARY KEY,
    channel_id  TEXT NOT NULL,
    key_message TEXT NOT NULL,
    author      TEXT NOT NULL,
    context     JSONB NOT NULL,
    context_text TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    search_tsv  tsvector GENERATED ALWAYS AS (
        to_tsvector('english', key_message || ' ' || author || ' ' || context_text)
    ) STORED
);

CREATE INDEX IF NOT EXISTS idx_scrapbook_channel_created ON scrapbook_memories (channel_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_scrapbook_search_tsv ON scrapbook_memories USING GIN (search_tsv);
`

// DB is an open PostgreSQL connection pool with the schema applied.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn, verifies the connection and applies Schema. The
// server must have the pgvector extension available.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database often comes up alongside the bot.
	ping := func() error { return db.PingContext(ctx) }
	if err := retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: time.Second}, ping); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	logger.Info("postgres: schema ready")
	return &DB{db: db, logger: logger}, nil
}

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// Memories returns the memory.Store view of the database.
func (d *DB) Memories() *MemoryStore { return &MemoryStore{db: d.db, logger: d.logger} }

// Scrapbook returns the scrapbook.Store view of the database.
func (d *DB) Scrapbook() *ScrapbookStore { return &ScrapbookStore{db: d.db, logger: d.logger} }

type rowScanner interface {
	Scan(dest ...any) error
}
