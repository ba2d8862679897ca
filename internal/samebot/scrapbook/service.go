package scrapbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

const (
	defaultContextWindowSize = 10
	defaultCooldown          = 60 * time.Second
	minCandidates            = 3
)

// Config tunes the curator.
type Config struct {
	// ContextWindowSize is the total number of surrounding messages saved,
	// split evenly before and after the key message.
	ContextWindowSize int
	// Cooldown is the minimum gap between the key messages of two
	// consecutive saves in one channel.
	Cooldown time.Duration
}

// Service detects, saves and resurfaces scrapbook entries.
type Service struct {
	store  Store
	gen    llm.TextGenerator
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*watermark
}

// watermark is a channel's last saved key-message timestamp.
type watermark struct {
	mu     sync.Mutex
	loaded bool
	last   time.Time
}

// NewService creates a Service. A nil logger uses slog.Default().
func NewService(store Store, gen llm.TextGenerator, cfg Config, logger *slog.Logger) *Service {
	if cfg.ContextWindowSize <= 0 {
		cfg.ContextWindowSize = defaultContextWindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		gen:      gen,
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*watermark),
	}
}

// DetectKeyMessage asks the model for the single standout message among
// messages. It needs at least three candidates and reports no hit on any
// failure or when the model names an id that is not a user message in the list.
func (s *Service) DetectKeyMessage(ctx context.Context, messages []conversation.Message) (string, bool) {
	if len(messages) < minCandidates {
		return "", false
	}

	var out struct {
		MessageID *string `json:"messageId"`
	}
	err := s.gen.ChatStructured(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: detectSystemPrompt},
		{Role: llm.RoleUser, Content: labeledList(messages)},
	}, detectSchema, &out)
	if err != nil {
		s.logger.Warn("scrapbook: detection failed", "err", err)
		return "", false
	}
	if out.MessageID == nil {
		return "", false
	}

	id := strings.Trim(strings.TrimSpace(*out.MessageID), "[]")
	for _, m := range messages {
		if m.ID == id && m.Role == conversation.RoleUser {
			return id, true
		}
	}
	s.logger.Debug("scrapbook: model picked an unknown message", "message_id", id)
	return "", false
}

// SaveMemory captures the key message keyID with its surrounding window
// from history. It returns saved=false without error when the channel is
// cooling down.
func (s *Service) SaveMemory(ctx context.Context, channelID string, history []conversation.Message, keyID string) (Memory, bool, error) {
	idx := -1
	for i, m := range history {
		if m.ID == keyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Memory{}, false, fmt.Errorf("scrapbook: key message %s not in history: %w", keyID, ErrNotFound)
	}
	key := history[idx]

	wm := s.watermark(channelID)
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if !wm.loaded {
		latest, err := s.store.Latest(ctx, channelID)
		switch {
		case err == nil:
			wm.last = latest.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return Memory{}, false, fmt.Errorf("scrapbook: load watermark: %w", err)
		}
		wm.loaded = true
	}
	if !wm.last.IsZero() && absDuration(key.Timestamp.Sub(wm.last)) < s.cfg.Cooldown {
		s.logger.Debug("scrapbook: cooling down, skipping save", "channel_id", channelID, "message_id", keyID)
		return Memory{}, false, nil
	}

	half := s.cfg.ContextWindowSize / 2
	start := max(0, idx-half)
	end := min(len(history), idx+half+1)
	window := make([]ContextMessage, 0, end-start)
	for _, m := range history[start:end] {
		window = append(window, ContextMessage{Author: authorOf(m), Content: m.Content, Timestamp: m.Timestamp})
	}

	mem := Memory{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		KeyMessage: key.Content,
		Author:     authorOf(key),
		Context:    window,
		CreatedAt:  key.Timestamp,
	}
	if err := s.store.Insert(ctx, mem); err != nil {
		return Memory{}, false, fmt.Errorf("scrapbook: save: %w", err)
	}
	wm.last = key.Timestamp

	s.logger.Info("scrapbook: saved memory",
		"channel_id", channelID,
		"scrapbook_id", mem.ID,
		"author", mem.Author,
		"context_len", len(window),
	)
	return mem, true, nil
}

// DetectAndSave runs detection over candidates and saves a hit using the
// full history for context.
func (s *Service) DetectAndSave(ctx context.Context, channelID string, candidates, history []conversation.Message) (Memory, bool, error) {
	id, ok := s.DetectKeyMessage(ctx, candidates)
	if !ok {
		return Memory{}, false, nil
	}
	return s.SaveMemory(ctx, channelID, history, id)
}

// Random returns a random entry, from channelID only unless it is "".
func (s *Service) Random(ctx context.Context, channelID string) (Memory, error) {
	return s.store.Random(ctx, channelID)
}

// Search returns up to limit entries matching query, from channelID only
// unless it is "".
func (s *Service) Search(ctx context.Context, channelID, query string, limit int) ([]Memory, error) {
	return s.store.Search(ctx, channelID, query, limit)
}

// GetContext returns the entry with the given id, including its saved context.
func (s *Service) GetContext(ctx context.Context, id string) (Memory, error) {
	return s.store.Get(ctx, id)
}

// FindByQuote looks an entry up by the text of its key message.
func (s *Service) FindByQuote(ctx context.Context, quote string) (Memory, error) {
	return s.store.GetByQuote(ctx, NormalizeQuote(quote))
}

// Delete permanently removes an entry.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scrapbook: deleted memory", "scrapbook_id", id)
	return nil
}

// DeleteByQuote removes the entry whose key message matches quote and
// returns what was deleted.
func (s *Service) DeleteByQuote(ctx context.Context, quote string) (Memory, error) {
	m, err := s.FindByQuote(ctx, quote)
	if err != nil {
		return Memory{}, err
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		return Memory{}, err
	}
	return m, nil
}

func (s *Service) watermark(channelID string) *watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.channels[channelID]
	if !ok {
		wm = &watermark{}
		s.channels[channelID] = wm
	}
	return wm
}

func authorOf(m conversation.Message) string {
	if m.Author != "" {
		return m.Author
	}
	return string(m.Role)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
