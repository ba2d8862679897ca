// Package conversation keeps the bounded, chronological message history for
// each chat channel.
//
// The store is keyed by channel ID and every channel has its own lock, so
// events for different channels never contend while two events for the
// same channel are applied one after the other. Readers get deep copies.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

// Role is who wrote a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a channel's history.
type Message struct {
	// ID is the platform's message ID; the model uses it to refer back to a turn.
	ID        string
	Role      Role
	Content   string
	Author    string
	Timestamp time.Time
	Images    []llm.Image
	// Mentions lists the user IDs the platform says this message mentions.
	Mentions []string
}

// Context is a read-only snapshot of one channel's state.
type Context struct {
	ChannelID string
	IsDM      bool
	History   []Message
	// LastScrapbookMemoryID is the scrapbook entry most recently posted in
	// this channel, so "show me the context" can refer to it.
	LastScrapbookMemoryID string
}

// Find returns the history entry with the given ID.
func (c Context) Find(id string) (Message, bool) {
	for _, m := range c.History {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Images returns every image in the history, oldest first.
func (c Context) Images() []llm.Image {
	var out []llm.Image
	for _, m := range c.History {
		out = append(out, m.Images...)
	}
	return out
}

// Config bounds each channel's history.
type Config struct {
	// MaxMessages is the sliding window size. Default 50.
	MaxMessages int
	// MaxTokens is an estimated token budget; oldest entries are dropped
	// until the history fits. Default 8000.
	MaxTokens int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxMessages: 50, MaxTokens: 8000}
}

type channel struct {
	mu          sync.Mutex
	ctx         Context
	unextracted int
}

// Store maps channel IDs to their history.
type Store struct {
	cfg      Config
	mu       sync.Mutex
	channels map[string]*channel
}

// NewStore returns an empty Store.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Store{cfg: cfg, channels: make(map[string]*channel)}
}

// channel returns the state for id, creating it on first use.
func (s *Store) channel(id string) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		ch = &channel{ctx: Context{ChannelID: id}}
		s.channels[id] = ch
	}
	return ch
}

// Append adds msg to the channel's history and trims it to the configured
// bounds. It returns the number of messages appended since the last
// DrainBatch.
func (s *Store) Append(channelID string, msg Message) int {
	ch := s.channel(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.ctx.History = append(ch.ctx.History, msg)
	s.trim(&ch.ctx)
	ch.unextracted++
	return ch.unextracted
}

// Update runs fn with exclusive access to the channel's live state.
func (s *Store) Update(channelID string, fn func(c *Context)) {
	ch := s.channel(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	fn(&ch.ctx)
	s.trim(&ch.ctx)
}

// SetDM records whether the channel is a direct conversation.
func (s *Store) SetDM(channelID string, isDM bool) {
	s.Update(channelID, func(c *Context) { c.IsDM = isDM })
}

// SetLastScrapbookMemory records the scrapbook entry last shown in the channel.
func (s *Store) SetLastScrapbookMemory(channelID, memoryID string) {
	s.Update(channelID, func(c *Context) { c.LastScrapbookMemoryID = memoryID })
}

// Snapshot returns a deep copy of the channel's state.
func (s *Store) Snapshot(channelID string) Context {
	ch := s.channel(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return copyContext(ch.ctx)
}

// DrainBatch returns the most recent n messages that arrived since the last
// drain (at most the whole window) and resets the counter.
func (s *Store) DrainBatch(channelID string) []Message {
	ch := s.channel(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	n := min(ch.unextracted, len(ch.ctx.History))
	ch.unextracted = 0
	out := make([]Message, n)
	copy(out, ch.ctx.History[len(ch.ctx.History)-n:])
	return out
}

// Channels lists every channel the store has seen.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

func (s *Store) trim(c *Context) {
	if excess := len(c.History) - s.cfg.MaxMessages; excess > 0 {
		c.History = append([]Message(nil), c.History[excess:]...)
	}
	for len(c.History) > 1 && estimateTokens(c.History) > s.cfg.MaxTokens {
		c.History = c.History[1:]
	}
}

func copyContext(c Context) Context {
	cp := c
	cp.History = make([]Message, len(c.History))
	copy(cp.History, c.History)
	return cp
}

// estimateTokens approximates token usage at four characters per token.
func estimateTokens(msgs []Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content) + len(m.Author)
	}
	return chars / 4
}

// RelativeTime renders how long before now t was: "12s ago", "5m ago",
// "3h ago", "2d ago".
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// FormatLine renders a history entry the way the model sees it:
// "[id] (5m ago) author: content".
func FormatLine(m Message, now time.Time) string {
	author := m.Author
	if m.Role == RoleAssistant && author == "" {
		author = "you"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] (%s) %s: %s", m.ID, RelativeTime(m.Timestamp, now), author, m.Content)
	if n := len(m.Images); n > 0 {
		fmt.Fprintf(&b, " [%d image(s) attached]", n)
	}
	return b.String()
}

// Transcript renders messages as "author: content" lines for batch prompts.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		author := m.Author
		if author == "" {
			author = string(m.Role)
		}
		fmt.Fprintf(&b, "%s: %s\n", author, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
