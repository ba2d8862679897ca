package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/achimala/samebot-zero/common/environment"
	"github.com/achimala/samebot-zero/common/version"
	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/app"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/matrix"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/observability"
	"github.com/achimala/samebot-zero/internal/samebot/persona"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

func main() {
	fmt.Println(version.Info())
	fmt.Println()

	// Real environment variables win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not read .env: %v\n", err)
	}

	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	samebot, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize samebot: %v\n", err)
		os.Exit(1)
	}
	defer samebot.Stop()

	if err := samebot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running samebot: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration from the environment.
func loadConfig() (*app.Config, error) {
	var errs []error
	required := func(name string) string {
		v, err := environment.RequiredString(name)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	homeserver := required("MATRIX_HOMESERVER")
	userID := required("MATRIX_USER_ID")
	accessToken := required("MATRIX_ACCESS_TOKEN")
	openAIKey := required("OPENAI_API_KEY")

	provider := environment.StringOr("LLM_PROVIDER", app.ProviderOpenAI)
	var anthropicKey string
	if provider == app.ProviderAnthropic {
		anthropicKey = required("ANTHROPIC_API_KEY")
	}
	backend := environment.StringOr("STORE_BACKEND", app.BackendSQLite)
	var dsn string
	if backend == app.BackendPostgres {
		dsn = required("POSTGRES_DSN")
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	p := persona.Default(environment.StringOr("BOT_NAME", "samebot"))
	if path := environment.StringOr("SAMEBOT_PERSONA_FILE", ""); path != "" {
		loaded, err := persona.Load(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	if words := environment.StringSliceOr("WAKE_WORDS", nil); len(words) > 0 {
		p.WakeWords = words
	}

	def := memory.DefaultPolicy()
	return &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./samebot.db"),
		Backend:      backend,
		PostgresDSN:  dsn,
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			AutoJoin:    environment.BoolOr("MATRIX_AUTO_JOIN", true),
		},
		TextProvider: provider,
		OpenAI: llm.OpenAIConfig{
			APIKey:              openAIKey,
			BaseURL:             environment.StringOr("OPENAI_BASE_URL", ""),
			Model:               environment.StringOr("OPENAI_MODEL", ""),
			MaxTokens:           environment.IntOr("OPENAI_MAX_TOKENS", 0),
			EmbeddingModel:      environment.StringOr("EMBEDDING_MODEL", ""),
			EmbeddingDimensions: environment.IntOr("EMBEDDING_DIMENSIONS", 768),
			ImageModel:          environment.StringOr("IMAGE_MODEL", ""),
			Timeout:             environment.DurationOr("LLM_TIMEOUT", 0),
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:    anthropicKey,
			BaseURL:   environment.StringOr("ANTHROPIC_BASE_URL", ""),
			Model:     environment.StringOr("ANTHROPIC_MODEL", ""),
			MaxTokens: environment.IntOr("ANTHROPIC_MAX_TOKENS", 0),
			Timeout:   environment.DurationOr("LLM_TIMEOUT", 0),
		},
		Breaker: llm.BreakerConfig{
			MaxFailures: uint32(environment.IntOr("LLM_BREAKER_FAILURES", 5)),
			Timeout:     environment.DurationOr("LLM_BREAKER_TIMEOUT", 0),
		},
		SessionTTL: environment.DurationOr("LLM_SESSION_TTL", 0),
		Persona:    p,
		Conversation: conversation.Config{
			MaxMessages: environment.IntOr("HISTORY_MAX_MESSAGES", 0),
			MaxTokens:   environment.IntOr("HISTORY_MAX_TOKENS", 0),
		},
		Memory: memory.Policy{
			DecayRate:            environment.FloatOr("MEMORY_DECAY_RATE", def.DecayRate),
			ReinforcementBoost:   environment.FloatOr("MEMORY_REINFORCEMENT_BOOST", def.ReinforcementBoost),
			ContradictionPenalty: environment.FloatOr("MEMORY_CONTRADICTION_PENALTY", def.ContradictionPenalty),
			PurgeThreshold:       environment.FloatOr("MEMORY_PURGE_THRESHOLD", def.PurgeThreshold),
			MaxStrength:          environment.FloatOr("MEMORY_MAX_STRENGTH", def.MaxStrength),
			SimilarCandidates:    environment.IntOr("MEMORY_SIMILAR_CANDIDATES", def.SimilarCandidates),
		},
		Scrapbook: scrapbook.Config{
			ContextWindowSize: environment.IntOr("SCRAPBOOK_CONTEXT_WINDOW", 0),
			Cooldown:          environment.DurationOr("SCRAPBOOK_COOLDOWN", 0),
		},
		Agent: agent.Config{
			MaxIterations: environment.IntOr("AGENT_MAX_ITERATIONS", agent.MaxToolIterations),
			MemoryTopK:    environment.IntOr("AGENT_MEMORY_TOP_K", 5),
			ImageLimit: agent.ImageLimit{
				Every: environment.DurationOr("IMAGE_RATE_EVERY", 0),
				Burst: environment.IntOr("IMAGE_RATE_BURST", 3),
			},
		},
		ExtractEvery:  environment.IntOr("EXTRACT_EVERY", 20),
		Workers:       environment.IntOr("WORKERS", 32),
		PurgeSchedule: environment.StringOr("PURGE_SCHEDULE", "@every 6h"),
		SweepSchedule: environment.StringOr("SWEEP_SCHEDULE", "@every 30m"),
	}, nil
}
