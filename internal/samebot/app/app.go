// Package app wires samebot together: storage, model providers, the
// decision gate, the agent, background jobs and the Matrix connection.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/sashabaranov/go-openai"

	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/entity"
	"github.com/achimala/samebot-zero/internal/samebot/gate"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/matrix"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
	"github.com/achimala/samebot-zero/internal/samebot/store"
	"github.com/achimala/samebot-zero/internal/samebot/store/postgres"
)

// chatTransport is the outbound chat surface the app and its tools use.
type chatTransport interface {
	agent.Channel
	SetTyping(ctx context.Context, channelID string, typing bool, timeout time.Duration) error
}

type decider interface {
	ShouldRespond(ctx context.Context, msg conversation.Message, c conversation.Context) bool
}

type responder interface {
	GenerateResponse(ctx context.Context, c conversation.Context, triggerID string) (agent.Response, error)
}

type extractor interface {
	ExtractFromBatch(ctx context.Context, text string) (memory.ExtractResult, error)
	Purge(ctx context.Context) (int, error)
}

type curator interface {
	DetectAndSave(ctx context.Context, channelID string, candidates, history []conversation.Message) (scrapbook.Memory, bool, error)
}

// App is the samebot process.
type App struct {
	cfg *Config

	convo     *conversation.Store
	chat      chatTransport
	gate      decider
	agent     responder
	memories  extractor
	scrapbook curator

	matrix *matrix.Client
	pool   *ants.Pool
	cron   *cron.Cron

	// closers run in reverse order on Stop.
	closers []func()
}

// New builds the application from cfg.
func New(cfg *Config) (*App, error) {
	cfg.withDefaults()
	a := &App{cfg: cfg, convo: conversation.NewStore(cfg.Conversation)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	dbPath := cfg.DatabasePath
	if cfg.Backend == BackendMemory {
		dbPath = ":memory:"
	}
	db, err := store.New(dbPath, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.onClose(func() { _ = db.Close() })
	slog.Info("database initialized", "path", dbPath, "backend", cfg.Backend)

	memStore, bookStore, err := a.openBackend(cfg, db)
	if err != nil {
		return nil, err
	}

	gen, media, err := a.providers(cfg)
	if err != nil {
		return nil, err
	}

	memories := memory.NewService(memStore, gen, media, cfg.Memory, slog.Default())
	book := scrapbook.NewService(bookStore, gen, cfg.Scrapbook, slog.Default())
	a.memories = memories
	a.scrapbook = book

	mcfg := cfg.Matrix
	mcfg.DB = db.DB()
	mc, err := matrix.New(mcfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("init matrix: %w", err)
	}
	a.matrix = mc
	a.chat = mc

	a.gate = gate.New(gate.Identity{
		UserID:    cfg.Matrix.UserID,
		Names:     cfg.Persona.Names(),
		WakeWords: cfg.Persona.WakeWords,
	}, gen, slog.Default())

	a.agent = agent.New(cfg.Persona.Agent(), cfg.Agent, agent.Deps{
		Generator: gen,
		Channel:   mc,
		Images:    media,
		Resolver:  entity.NewResolver(cfg.Persona.Subjects, slog.Default()),
		Memories:  memories,
		Scrapbook: book,
		Tracker:   a.convo,
	}, slog.Default())

	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		slog.Error("panic in background task", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("init worker pool: %w", err)
	}
	a.pool = pool
	a.onClose(func() {
		if err := pool.ReleaseTimeout(30 * time.Second); err != nil {
			slog.Warn("worker pool did not drain", "err", err)
		}
	})

	if err := a.schedule(); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *App) openBackend(cfg *Config, db *store.Store) (memory.Store, scrapbook.Store, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return db.Memories(), db.Scrapbook(), nil
	case BackendMemory:
		cs, err := memory.NewChromemStore()
		if err != nil {
			return nil, nil, fmt.Errorf("init memory index: %w", err)
		}
		return cs, db.Scrapbook(), nil
	case BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		a.onClose(func() { _ = pg.Close() })
		return pg.Memories(), pg.Scrapbook(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// providers builds the text generator (behind a circuit breaker) and the
// OpenAI-compatible client used for embeddings and images.
func (a *App) providers(cfg *Config) (llm.TextGenerator, *llm.OpenAIProvider, error) {
	oaiSessions, err := llm.NewSessionCache[openai.ChatCompletionMessage](cfg.SessionCacheSize, cfg.SessionTTL)
	if err != nil {
		return nil, nil, err
	}
	a.onClose(oaiSessions.Close)
	oai := llm.NewOpenAI(cfg.OpenAI, oaiSessions)

	var text llm.TextGenerator
	switch cfg.TextProvider {
	case ProviderOpenAI:
		text = oai
	case ProviderAnthropic:
		sessions, err := llm.NewSessionCache[anthropic.MessageParam](cfg.SessionCacheSize, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(sessions.Close)
		text = llm.NewAnthropic(cfg.Anthropic, sessions)
	default:
		return nil, nil, fmt.Errorf("unknown text provider %q", cfg.TextProvider)
	}
	slog.Info("text generation configured", "provider", cfg.TextProvider)
	return llm.NewBreaker(text, cfg.Breaker, slog.Default()), oai, nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run starts syncing and the scheduler, then blocks until SIGINT or
// SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("start matrix client: %w", err)
	}
	a.cron.Start()
	slog.Info("samebot is running", "user_id", a.matrix.UserID(), "name", a.cfg.Persona.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts down the sync loop, the scheduler, the worker pool and the
// stores, in that order.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.cron != nil {
		select {
		case <-a.cron.Stop().Done():
		case <-time.After(30 * time.Second):
			slog.Warn("scheduled jobs still running at shutdown")
		}
	}
	a.close()
}
