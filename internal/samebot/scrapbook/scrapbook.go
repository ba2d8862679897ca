// Package scrapbook curates memorable moments from chat: it spots a single
// standout message in recent history, saves it with the conversation around
// it, and brings it back later on request.
package scrapbook

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("scrapbook: not found")

// ContextMessage is one line of the conversation captured around a key message.
type ContextMessage struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is a saved moment. Context is captured once at creation and never
// recomputed. CreatedAt is the key message's own timestamp.
type Memory struct {
	ID         string
	ChannelID  string
	KeyMessage string
	Author     string
	Context    []ContextMessage
	CreatedAt  time.Time
}

// ContextText flattens Context into "author: content" lines for indexing.
func (m Memory) ContextText() string {
	var b strings.Builder
	for i, c := range m.Context {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Author)
		b.WriteString(": ")
		b.WriteString(c.Content)
	}
	return b.String()
}

// Store persists scrapbook entries. Entries are addressable both by id and
// by the exact text of their key message.
type Store interface {
	Insert(ctx context.Context, m Memory) error
	Get(ctx context.Context, id string) (Memory, error)
	// GetByQuote returns the newest entry whose key message equals quote,
	// ignoring case and surrounding whitespace.
	GetByQuote(ctx context.Context, quote string) (Memory, error)
	Delete(ctx context.Context, id string) error
	// Random returns a random entry, restricted to channelID unless it is "".
	Random(ctx context.Context, channelID string) (Memory, error)
	// Search returns up to limit entries matching query, best match first,
	// restricted to channelID unless it is "".
	Search(ctx context.Context, channelID, query string, limit int) ([]Memory, error)
	// Latest returns the channel's most recent entry by CreatedAt.
	Latest(ctx context.Context, channelID string) (Memory, error)
}

// NormalizeQuote strips whitespace and wrapping quote marks from a quote the
// model copied out of a rendered entry.
func NormalizeQuote(q string) string {
	q = strings.TrimSpace(q)
	q = strings.TrimPrefix(q, ">")
	q = strings.TrimSpace(q)
	for _, pair := range [][2]string{{`"`, `"`}, {"“", "”"}, {"'", "'"}, {"«", "»"}} {
		if len(q) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(q, pair[0]) && strings.HasSuffix(q, pair[1]) {
			q = strings.TrimSpace(q[len(pair[0]) : len(q)-len(pair[1])])
			break
		}
	}
	return q
}
