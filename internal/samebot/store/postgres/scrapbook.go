package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// ScrapbookStore implements scrapbook.Store.
type ScrapbookStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const scrapbookColumns = `id, channel_id, key_message, author, context, created_at`

// Insert implements scrapbook.Store.
func (s *ScrapbookStore) Insert(ctx context.Context, m scrapbook.Memory) error {
	ctxJSON, err := json.Marshal(m.Context)
	if err != nil {
		return fmt.Errorf("scrapbook postgres: marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrapbook_memories
			(id, channel_id, key_message, author, context, context_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ChannelID, m.KeyMessage, m.Author, string(ctxJSON), m.ContextText(), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("scrapbook postgres: insert %s: %w", m.ID, err)
	}
	return nil
}

// Get implements scrapbook.Store.
func (s *ScrapbookStore) Get(ctx context.Context, id string) (scrapbook.Memory, error) {
	return s.one(ctx, `SELECT `+scrapbookColumns+` FROM scrapbook_memories WHERE id = $1`, id)
}

// GetByQuote implements scrapbook.Store.
func (s *ScrapbookStore) GetByQuote(ctx context.Context, quote string) (scrapbook.Memory, error) {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return scrapbook.Memory{}, scrapbook.ErrNotFound
	}
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories
		WHERE lower(btrim(key_message)) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1`, quote)
}

// Delete implements scrapbook.Store.
func (s *ScrapbookStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrapbook_memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scrapbook postgres: delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scrapbook postgres: %s: %w", id, scrapbook.ErrNotFound)
	}
	return nil
}

// Random implements scrapbook.Store.
func (s *ScrapbookStore) Random(ctx context.Context, channelID string) (scrapbook.Memory, error) {
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories
		WHERE $1::text = '' OR channel_id = $1
		ORDER BY random() LIMIT 1`, channelID)
}

// Latest implements scrapbook.Store.
func (s *ScrapbookStore) Latest(ctx context.Context, channelID string) (scrapbook.Memory, error) {
	return s.one(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories
		WHERE channel_id = $1
		ORDER BY created_at DESC LIMIT 1`, channelID)
}

// Search implements scrapbook.Store, ranked by ts_rank.
func (s *ScrapbookStore) Search(ctx context.Context, channelID, query string, limit int) ([]scrapbook.Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scrapbookColumns+` FROM scrapbook_memories
		WHERE search_tsv @@ plainto_tsquery('english', $1)
			AND ($3::text = '' OR channel_id = $3)
		ORDER BY ts_rank(search_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2`, query, limit, channelID)
	if err != nil {
		return nil, fmt.Errorf("scrapbook postgres: search: %w", err)
	}
	defer rows.Close()

	var out []scrapbook.Memory
	for rows.Next() {
		m, err := scanScrapbook(rows)
		if err != nil {
			s.logger.Warn("scrapbook postgres: skip malformed row", "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scrapbook postgres: iterate rows: %w", err)
	}
	return out, nil
}

func (s *ScrapbookStore) one(ctx context.Context, q string, args ...any) (scrapbook.Memory, error) {
	m, err := scanScrapbook(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return scrapbook.Memory{}, scrapbook.ErrNotFound
	}
	if err != nil {
		return scrapbook.Memory{}, fmt.Errorf("scrapbook postgres: %w", err)
	}
	return m, nil
}

func scanScrapbook(row rowScanner) (scrapbook.Memory, error) {
	var (
		m       scrapbook.Memory
		ctxJSON []byte
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.KeyMessage, &m.Author, &ctxJSON, &m.CreatedAt); err != nil {
		return scrapbook.Memory{}, err
	}
	if err := json.Unmarshal(ctxJSON, &m.Context); err != nil {
		return scrapbook.Memory{}, fmt.Errorf("unmarshal context for %s: %w", m.ID, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ scrapbook.Store = (*ScrapbookStore)(nil)
