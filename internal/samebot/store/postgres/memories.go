package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/achimala/samebot-zero/internal/samebot/memory"
)

// MemoryStore implements memory.Store. FindSimilar orders by pgvector's
// cosine distance operator.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const memoryColumns = `id, content, embedding, strength, last_seen_at, created_at`

// Insert implements memory.Store.
func (s *MemoryStore) Insert(ctx context.Context, m memory.Memory) error {
	if len(m.Embedding) == 0 {
		return errors.New("memory postgres: empty embedding")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Content, pgvector.NewVector(m.Embedding), m.Strength, m.LastSeenAt.UTC(), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("memory postgres: insert %s: %w", m.ID, err)
	}
	return nil
}

// Get implements memory.Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (memory.Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Memory{}, fmt.Errorf("memory postgres: %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Memory{}, fmt.Errorf("memory postgres: get %s: %w", id, err)
	}
	return m, nil
}

// Update implements memory.Store.
func (s *MemoryStore) Update(ctx context.Context, id string, strength float64, lastSeenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET strength = $1, last_seen_at = $2 WHERE id = $3`,
		strength, lastSeenAt.UTC(), id,
	)
	return checkAffected(res, err, id)
}

// SetStrength implements memory.Store.
func (s *MemoryStore) SetStrength(ctx context.Context, id string, strength float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET strength = $1 WHERE id = $2`, strength, id)
	return checkAffected(res, err, id)
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("memory postgres: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory postgres: update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("memory postgres: %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// Delete implements memory.Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("memory postgres: delete %s: %w", id, err)
	}
	return nil
}

// FindSimilar implements memory.Store. Rows whose dimension differs from
// the query are excluded rather than failing the whole query.
func (s *MemoryStore) FindSimilar(ctx context.Context, embedding []float32, topK int) ([]memory.Memory, error) {
	if topK <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	return s.query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE vector_dims(embedding) = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3`,
		pgvector.NewVector(embedding), len(embedding), topK,
	)
}

// SearchText implements memory.Store with English full-text search,
// best match first.
func (s *MemoryStore) SearchText(ctx context.Context, query string, limit int) ([]memory.Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2`,
		query, limit,
	)
}

// All implements memory.Store, newest first.
func (s *MemoryStore) All(ctx context.Context) ([]memory.Memory, error) {
	return s.query(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY created_at DESC`)
}

func (s *MemoryStore) query(ctx context.Context, q string, args ...any) ([]memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: query: %w", err)
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			s.logger.Warn("memory postgres: skip malformed row", "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory postgres: iterate rows: %w", err)
	}
	return out, nil
}

func scanMemory(row rowScanner) (memory.Memory, error) {
	var (
		m   memory.Memory
		vec pgvector.Vector
	)
	if err := row.Scan(&m.ID, &m.Content, &vec, &m.Strength, &m.LastSeenAt, &m.CreatedAt); err != nil {
		return memory.Memory{}, err
	}
	m.Embedding = vec.Slice()
	m.LastSeenAt = m.LastSeenAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ memory.Store = (*MemoryStore)(nil)
