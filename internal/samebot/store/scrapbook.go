package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// ScrapbookStore implements scrapbook.Store on the scrapbook_memories table.
// Full-text search goes through the scrapbook_fts FTS5 index, which triggers
// keep in step with the base table.
type ScrapbookStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const scrapbookColumns = `m.id, m.channel_id, m.key_message, m.author, m.context_json, m.created_at`

// Insert implements scrapbook.Store.
func (s *ScrapbookStore) Insert(ctx context.Context, m scrapbook.Memory) error {
	ctxJSON, err := json.Marshal(m.Context)
	if err != nil {
		return fmt.Errorf("scrapbook sqlite: marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrapbook_memories
			(id, channel_id, key_message, author, context_json, context_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.KeyMessage, m.Author, string(ctxJSON), m.ContextText(), toUnix(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("scrapbook sqlite: insert %s: %w", m.ID, err)
	}
	return nil
}

// Get implements scrapbook.Store.
func (s *ScrapbookStore) Get(ctx context.Context, id string) (scrapbook.Memory, error) {
	return s.one(ctx, `SELECT `+scrapbookColumns+` FROM scrapbook_memories m WHERE m.id = ?`, id)
}

// GetByQuote implements scrapbook.Store.
func (s *ScrapbookStore) GetByQuote(ctx context.Context, quote string) (scrapbook.Memory, error) {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return scrapbook.Memory{}, scrapbook.ErrNotFound
	}
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories m
		WHERE trim(m.key_message) = ? COLLATE NOCASE
		ORDER BY m.created_at DESC
		LIMIT 1`, quote)
}

// Delete implements scrapbook.Store.
func (s *ScrapbookStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrapbook_memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("scrapbook sqlite: delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scrapbook sqlite: %s: %w", id, scrapbook.ErrNotFound)
	}
	return nil
}

// Random implements scrapbook.Store.
func (s *ScrapbookStore) Random(ctx context.Context, channelID string) (scrapbook.Memory, error) {
	if channelID == "" {
		return s.one(ctx, `SELECT `+scrapbookColumns+` FROM scrapbook_memories m ORDER BY random() LIMIT 1`)
	}
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories m
		WHERE m.channel_id = ?
		ORDER BY random() LIMIT 1`, channelID)
}

// Latest implements scrapbook.Store.
func (s *ScrapbookStore) Latest(ctx context.Context, channelID string) (scrapbook.Memory, error) {
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories m
		WHERE m.channel_id = ?
		ORDER BY m.created_at DESC LIMIT 1`, channelID)
}

// Search implements scrapbook.Store. Any query term may match; results are
// ordered by BM25 relevance.
func (s *ScrapbookStore) Search(ctx context.Context, channelID, query string, limit int) ([]scrapbook.Memory, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scrapbookColumns+`
		FROM scrapbook_fts
		JOIN scrapbook_memories m ON m.rowid = scrapbook_fts.rowid
		WHERE scrapbook_fts MATCH ? AND (? = '' OR m.channel_id = ?)
		ORDER BY bm25(scrapbook_fts)
		LIMIT ?`, match, channelID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("scrapbook sqlite: search: %w", err)
	}
	defer rows.Close()

	var out []scrapbook.Memory
	for rows.Next() {
		m, err := scanScrapbook(rows)
		if err != nil {
			s.logger.Warn("scrapbook sqlite: skip malformed row", "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scrapbook sqlite: iterate rows: %w", err)
	}
	return out, nil
}

func (s *ScrapbookStore) one(ctx context.Context, q string, args ...any) (scrapbook.Memory, error) {
	m, err := scanScrapbook(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return scrapbook.Memory{}, scrapbook.ErrNotFound
	}
	if err != nil {
		return scrapbook.Memory{}, fmt.Errorf("scrapbook sqlite: %w", err)
	}
	return m, nil
}

func scanScrapbook(row rowScanner) (scrapbook.Memory, error) {
	var (
		m         scrapbook.Memory
		ctxJSON   string
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.KeyMessage, &m.Author, &ctxJSON, &createdAt); err != nil {
		return scrapbook.Memory{}, err
	}
	if err := json.Unmarshal([]byte(ctxJSON), &m.Context); err != nil {
		return scrapbook.Memory{}, fmt.Errorf("unmarshal context for %s: %w", m.ID, err)
	}
	m.CreatedAt = fromUnix(createdAt)
	return m, nil
}

// ftsQuery turns free text into an FTS5 expression of quoted terms joined
// by OR, so user punctuation never reaches the FTS5 parser.
func ftsQuery(q string) string {
	terms := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

var _ scrapbook.Store = (*ScrapbookStore)(nil)
