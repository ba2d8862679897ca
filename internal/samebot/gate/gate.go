// Package gate decides whether samebot should answer a message at all.
//
// Cheap deterministic checks run first (private chat, wake word, direct
// mention). Only when the bot spoke in the previous turn does it consult the
// model, and then with a prompt that prefers silence.
package gate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

// fallbackTurns is how many turns, the candidate included, the model sees
// in the fallback check.
const fallbackTurns = 12

// Identity is how the bot can be addressed.
type Identity struct {
	// UserID is the bot's platform user ID, e.g. "@samebot:example.org".
	UserID string
	// Names are display names and nicknames that count as a mention.
	Names []string
	// WakeWords trigger a reply anywhere in a message, case-insensitively.
	WakeWords []string
}

// Gate is the response decision gate. It has no side effects and is safe
// for concurrent use.
type Gate struct {
	id     Identity
	gen    llm.TextGenerator
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Gate. A nil logger uses slog.Default().
func New(id Identity, gen llm.TextGenerator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{id: id, gen: gen, logger: logger, now: time.Now}
}

// ShouldRespond reports whether the bot should reply to msg. c.History is
// expected to already end with msg.
func (g *Gate) ShouldRespond(ctx context.Context, msg conversation.Message, c conversation.Context) bool {
	if c.IsDM {
		return true
	}
	if g.hasWakeWord(msg.Content) {
		return true
	}
	if g.mentionsBot(msg) {
		return true
	}

	// Don't butt into a thread the bot wasn't just part of.
	if len(c.History) < 2 || c.History[len(c.History)-2].Role != conversation.RoleAssistant {
		return false
	}

	return g.askModel(ctx, msg, c.History)
}

func (g *Gate) hasWakeWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range g.id.WakeWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (g *Gate) mentionsBot(msg conversation.Message) bool {
	if g.id.UserID != "" {
		for _, m := range msg.Mentions {
			if m == g.id.UserID {
				return true
			}
		}
		// Covers both the raw ID and matrix.to pills in a formatted body.
		if strings.Contains(msg.Content, g.id.UserID) {
			return true
		}
	}
	lower := strings.ToLower(msg.Content)
	for _, name := range g.id.Names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && containsWord(lower, name) {
			return true
		}
	}
	return false
}

type decision struct {
	ShouldRespond bool `json:"shouldRespond"`
}

func (g *Gate) askModel(ctx context.Context, msg conversation.Message, history []conversation.Message) bool {
	// The candidate is shown on its own under "New message".
	if n := len(history); n > 0 && history[n-1].ID == msg.ID {
		history = history[:n-1]
	}
	if len(history) > fallbackTurns-1 {
		history = history[len(history)-(fallbackTurns-1):]
	}
	now := g.now()
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range history {
		b.WriteString(conversation.FormatLine(m, now))
		b.WriteByte('\n')
	}
	b.WriteString("\nNew message:\n")
	b.WriteString(conversation.FormatLine(msg, now))

	var d decision
	err := g.gen.ChatStructured(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(g.id)},
		{Role: llm.RoleUser, Content: b.String()},
	}, decisionSchema, &d)
	if err != nil {
		g.logger.Warn("gate: fallback check failed, staying quiet", "err", err)
		return false
	}
	g.logger.Debug("gate: fallback decision", "should_respond", d.ShouldRespond, "message_id", msg.ID)
	return d.ShouldRespond
}

// containsWord reports whether word occurs in s with no letter or digit
// directly on either side.
func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_' || b >= 0x80
}
