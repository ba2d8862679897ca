package agent

import (
	"context"

	"github.com/achimala/samebot-zero/internal/samebot/entity"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// Channel is the outbound side of the chat platform. Implementations
// report failures as errors and never panic.
type Channel interface {
	SendMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	SendImage(ctx context.Context, channelID string, image []byte, mimeType string) (messageID string, err error)
	// SendPlaceholderMessage posts a temporary message that is later
	// replaced with EditMessage or EditMessageWithImage.
	SendPlaceholderMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, text string) error
	EditMessageWithImage(ctx context.Context, channelID, messageID string, image []byte, mimeType string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// EntityResolver finds reference material for subjects named in a prompt.
type EntityResolver interface {
	Resolve(ctx context.Context, prompt string) ([]entity.Reference, error)
	Subjects() []string
}

// Memories is the read side of long-term memory.
type Memories interface {
	GetRelevantMemories(ctx context.Context, query string, topK int) []memory.Recalled
	SearchMemories(ctx context.Context, query string, topK int) []memory.Recalled
}

// Scrapbook is what the scrapbook tools need from the curator.
type Scrapbook interface {
	Random(ctx context.Context, channelID string) (scrapbook.Memory, error)
	Search(ctx context.Context, channelID, query string, limit int) ([]scrapbook.Memory, error)
	GetContext(ctx context.Context, id string) (scrapbook.Memory, error)
	FindByQuote(ctx context.Context, quote string) (scrapbook.Memory, error)
	DeleteByQuote(ctx context.Context, quote string) (scrapbook.Memory, error)
}

// ScrapbookTracker records which scrapbook entry a channel last saw.
type ScrapbookTracker interface {
	SetLastScrapbookMemory(channelID, memoryID string)
}

var (
	_ EntityResolver = (*entity.Resolver)(nil)
	_ Memories       = (*memory.Service)(nil)
	_ Scrapbook      = (*scrapbook.Service)(nil)
)
