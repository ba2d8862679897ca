// Package agent turns a conversation into samebot's reply.
//
// GenerateResponse runs a bounded tool loop against the text generator:
// each step either finishes with text or asks for tools, which run one
// after another in the order requested. Some tools post to the channel
// themselves (DirectEffect); their results tell the model not to repeat
// what they posted.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/observability"
)

const (
	// MaxToolIterations bounds the text generator calls per response.
	MaxToolIterations = 10

	FallbackMessage = "something broke, try again in a bit"
	TimeoutMessage  = "that took too many steps, so I gave up. try asking more simply?"
)

var errEmptyStep = errors.New("empty step result")

// Config tunes the agent.
type Config struct {
	MaxIterations int
	// MemoryTopK is how many memories go into the system prompt.
	MemoryTopK int
	ImageLimit ImageLimit
}

// Deps are the agent's collaborators. Generator and Channel are required;
// a nil optional dependency leaves its tools out of the catalog.
type Deps struct {
	Generator llm.TextGenerator
	Channel   Channel
	Images    llm.ImageGenerator
	Resolver  EntityResolver
	Memories  Memories
	Scrapbook Scrapbook
	Tracker   ScrapbookTracker
}

// Response is the outcome of one GenerateResponse call.
type Response struct {
	// Text is what to post. Empty means the tools already said everything.
	Text          string
	ToolCallsMade int
	// DirectEffects counts messages tools posted on their own.
	DirectEffects int
	// TimedOut is set when the loop ran out of iterations.
	TimedOut bool
}

// Agent builds context and runs the tool loop. It is safe for concurrent
// use across channels.
type Agent struct {
	persona Persona
	cfg     Config
	deps    Deps
	tools   *Registry
	logger  *slog.Logger
	now     func() time.Time
}

// New builds an Agent and registers every tool its deps support. A nil
// logger uses slog.Default().
func New(persona Persona, cfg Config, deps Deps, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = MaxToolIterations
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 5
	}

	reg := NewRegistry()
	reg.Register(&reactTool{channel: deps.Channel, emoji: persona.Emoji})
	if deps.Images != nil {
		reg.Register(newImageTool(deps.Channel, deps.Images, deps.Resolver, cfg.ImageLimit))
	}
	if deps.Memories != nil {
		reg.Register(&searchMemoryTool{memories: deps.Memories})
	}
	if deps.Scrapbook != nil {
		sb := &scrapbookTools{book: deps.Scrapbook, channel: deps.Channel, tracker: deps.Tracker}
		reg.Register(getScrapbookMemoryTool{sb})
		reg.Register(searchScrapbookTool{sb})
		reg.Register(getScrapbookContextTool{sb})
		reg.Register(deleteScrapbookMemoryTool{sb})
	}

	return &Agent{
		persona: persona,
		cfg:     cfg,
		deps:    deps,
		tools:   reg,
		logger:  logger,
		now:     time.Now,
	}
}

// Tools exposes the registry, mainly for listing capabilities.
func (a *Agent) Tools() *Registry { return a.tools }

// GenerateResponse produces the reply to triggerID in c. When the text
// generator fails the returned Response carries FallbackMessage alongside
// the error, so the caller can still post something.
func (a *Agent) GenerateResponse(ctx context.Context, c conversation.Context, triggerID string) (Response, error) {
	log := observability.WithTrace(ctx).With("channel_id", c.ChannelID, "trigger_id", triggerID)

	turn := &Turn{Context: c, TriggerID: triggerID}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(a.promptInput(ctx, c, triggerID))},
		historyMessage(c, triggerID, a.now()),
	}
	schemas := a.tools.Schemas()

	var (
		resp         Response
		continuation string
	)
	for i := 0; i < a.cfg.MaxIterations; i++ {
		step, err := a.deps.Generator.ChatWithToolsStep(ctx, messages, schemas, continuation)
		if err != nil {
			log.Error("tool step failed", "iteration", i+1, "err", err)
			resp.Text = FallbackMessage
			resp.DirectEffects = turn.DirectEffects
			return resp, fmt.Errorf("agent: tool step %d: %w", i+1, err)
		}
		if step == nil {
			resp.Text = FallbackMessage
			resp.DirectEffects = turn.DirectEffects
			return resp, fmt.Errorf("agent: tool step %d: %w", i+1, errEmptyStep)
		}
		if step.Done {
			resp.Text = step.Text
			resp.DirectEffects = turn.DirectEffects
			log.Info("response ready",
				"iterations", i+1,
				"tool_calls", resp.ToolCallsMade,
				"direct_effects", resp.DirectEffects,
				"empty", step.Text == "",
			)
			return resp, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   step.Text,
			ToolCalls: step.ToolCalls,
		})
		continuation = step.Continuation

		// Later calls may depend on what earlier ones posted.
		for _, call := range step.ToolCalls {
			resp.ToolCallsMade++
			log.Debug("calling tool", "tool", call.Name, "call_id", call.ID)
			result := a.tools.Dispatch(ctx, turn, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	log.Warn("tool loop exhausted", "iterations", a.cfg.MaxIterations, "tool_calls", resp.ToolCallsMade)
	resp.Text = TimeoutMessage
	resp.TimedOut = true
	resp.DirectEffects = turn.DirectEffects
	return resp, nil
}

func (a *Agent) promptInput(ctx context.Context, c conversation.Context, triggerID string) promptInput {
	in := promptInput{
		persona: a.persona,
		tools:   a.tools.Definitions(),
		isDM:    c.IsDM,
	}
	if a.deps.Resolver != nil {
		in.subjects = a.deps.Resolver.Subjects()
	}
	if a.deps.Memories != nil {
		if trigger, ok := c.Find(triggerID); ok && trigger.Content != "" {
			in.memories = a.deps.Memories.GetRelevantMemories(ctx, trigger.Content, a.cfg.MemoryTopK)
		}
	}
	if a.deps.Scrapbook != nil && c.LastScrapbookMemoryID != "" {
		if m, err := a.deps.Scrapbook.GetContext(ctx, c.LastScrapbookMemoryID); err == nil {
			in.lastQuote = m.KeyMessage
		}
	}
	return in
}
