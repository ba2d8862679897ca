package app

import (
	"time"

	"github.com/achimala/samebot-zero/common/retry"
	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/matrix"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/persona"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	// BackendMemory keeps everything in process: chromem for memories and
	// an in-memory SQLite database for the rest.
	BackendMemory = "memory"
)

// Text generation providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds everything needed to run samebot.
type Config struct {
	// DatabasePath is the SQLite file. It always holds the Matrix sync
	// position, and memories and scrapbook too on the sqlite backend.
	DatabasePath string
	Backend      string
	PostgresDSN  string

	Matrix matrix.Config

	// TextProvider picks the chat model vendor. Embeddings and images always
	// go through the OpenAI-compatible API.
	TextProvider string
	OpenAI       llm.OpenAIConfig
	Anthropic    llm.AnthropicConfig
	Breaker      llm.BreakerConfig
	// SessionCacheSize and SessionTTL bound the tool-loop continuation cache.
	SessionCacheSize int64
	SessionTTL       time.Duration

	Persona      *persona.File
	Conversation conversation.Config
	Memory       memory.Policy
	Scrapbook    scrapbook.Config
	Agent        agent.Config

	// ExtractEvery triggers memory extraction and scrapbook detection after
	// this many new messages in a channel.
	ExtractEvery int
	// ExtractRetry is the backoff for extraction calls rejected by a rate
	// limit or an open circuit. Other failures are not retried.
	ExtractRetry retry.Config
	// Workers bounds concurrently handled events and background jobs.
	Workers int
	// PurgeSchedule and SweepSchedule are cron specs.
	PurgeSchedule string
	SweepSchedule string
	TypingTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "./samebot.db"
	}
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.TextProvider == "" {
		c.TextProvider = ProviderOpenAI
	}
	if c.SessionCacheSize <= 0 {
		c.SessionCacheSize = 256
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.Persona == nil {
		c.Persona = persona.Default("")
	}
	if c.ExtractEvery <= 0 {
		c.ExtractEvery = 20
	}
	if c.ExtractRetry.MaxAttempts <= 0 {
		c.ExtractRetry = retry.Config{MaxAttempts: 3, InitialDelay: 30 * time.Second, MaxDelay: 2 * time.Minute}
	}
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "@every 6h"
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 30m"
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 30 * time.Second
	}
}
