package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/memory"
)

// MemoryStore implements memory.Store on the memories table.
//
// Similarity search loads every embedding and ranks by cosine similarity in
// Go; modernc.org/sqlite cannot load vector extensions, and a chat group's
// memory stays in the low thousands of rows.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const memoryColumns = `id, content, embedding, strength, last_seen_at, created_at`

// Insert implements memory.Store.
func (s *MemoryStore) Insert(ctx context.Context, m memory.Memory) error {
	if len(m.Embedding) == 0 {
		return errors.New("memory sqlite: empty embedding")
	}
	emb, err := json.Marshal(m.Embedding)
	if err != nil {
		return fmt.Errorf("memory sqlite: marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, emb, m.Strength, toUnix(m.LastSeenAt), toUnix(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("memory sqlite: insert %s: %w", m.ID, err)
	}
	return nil
}

// Get implements memory.Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (memory.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Memory{}, fmt.Errorf("memory sqlite: %s: %w", id, memory.ErrNotFound)
	}
	return m, err
}

// Update implements memory.Store.
func (s *MemoryStore) Update(ctx context.Context, id string, strength float64, lastSeenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET strength = ?, last_seen_at = ? WHERE id = ?`,
		strength, toUnix(lastSeenAt), id,
	)
	return checkAffected(res, err, id)
}

// SetStrength implements memory.Store.
func (s *MemoryStore) SetStrength(ctx context.Context, id string, strength float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET strength = ? WHERE id = ?`, strength, id)
	return checkAffected(res, err, id)
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("memory sqlite: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory sqlite: update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("memory sqlite: %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// Delete implements memory.Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory sqlite: delete %s: %w", id, err)
	}
	return nil
}

// FindSimilar implements memory.Store.
func (s *MemoryStore) FindSimilar(ctx context.Context, embedding []float32, topK int) ([]memory.Memory, error) {
	if topK <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	all, err := s.query(ctx, `SELECT `+memoryColumns+` FROM memories`)
	if err != nil {
		return nil, err
	}

	type scored struct {
		m     memory.Memory
		score float64
	}
	candidates := make([]scored, 0, len(all))
	for _, m := range all {
		if len(m.Embedding) != len(embedding) {
			s.logger.Warn("memory sqlite: skip embedding with wrong dimension",
				"id", m.ID, "got", len(m.Embedding), "want", len(embedding))
			continue
		}
		candidates = append(candidates, scored{m: m, score: cosineSimilarity(embedding, m.Embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]memory.Memory, topK)
	for i := range topK {
		out[i] = candidates[i].m
	}
	return out, nil
}

// SearchText implements memory.Store with a case-insensitive LIKE, newest first.
func (s *MemoryStore) SearchText(ctx context.Context, query string, limit int) ([]memory.Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?`,
		"%"+escapeLike(query)+"%", limit,
	)
}

// All implements memory.Store, newest first.
func (s *MemoryStore) All(ctx context.Context) ([]memory.Memory, error) {
	return s.query(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY created_at DESC`)
}

func (s *MemoryStore) query(ctx context.Context, q string, args ...any) ([]memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			s.logger.Warn("memory sqlite: skip malformed row", "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: iterate rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (memory.Memory, error) {
	var (
		m          memory.Memory
		emb        []byte
		lastSeenAt int64
		createdAt  int64
	)
	if err := row.Scan(&m.ID, &m.Content, &emb, &m.Strength, &lastSeenAt, &createdAt); err != nil {
		return memory.Memory{}, err
	}
	if err := json.Unmarshal(emb, &m.Embedding); err != nil {
		return memory.Memory{}, fmt.Errorf("unmarshal embedding for %s: %w", m.ID, err)
	}
	m.LastSeenAt = fromUnix(lastSeenAt)
	m.CreatedAt = fromUnix(createdAt)
	return m, nil
}

// cosineSimilarity returns 0 when either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ memory.Store = (*MemoryStore)(nil)
