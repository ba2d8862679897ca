package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around a TextGenerator.
type BreakerConfig struct {
	// MaxFailures consecutive upstream failures open the circuit. Default 5.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing. Default 30s.
	Timeout time.Duration
	// HalfOpenRequests is how many probes are let through. Default 1.
	HalfOpenRequests uint32
}

// Breaker decorates a TextGenerator with a circuit breaker so a dead
// upstream fails fast instead of stalling every chat event.
//
// Malformed output does not count as a failure: the service answered, the
// model just misbehaved.
type Breaker struct {
	next TextGenerator
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next TextGenerator, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "text-generation",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedOutput) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state ("closed", "open", "half-open").
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) run(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Op: op, Kind: ErrCircuitOpen}
	}
	return err
}

// Chat implements TextGenerator.
func (b *Breaker) Chat(ctx context.Context, messages []Message) (string, error) {
	var out string
	err := b.run("breaker.chat", func() error {
		var err error
		out, err = b.next.Chat(ctx, messages)
		return err
	})
	return out, err
}

// ChatStructured implements TextGenerator.
func (b *Breaker) ChatStructured(ctx context.Context, messages []Message, schema *Schema, out any) error {
	return b.run("breaker.chat_structured", func() error {
		return b.next.ChatStructured(ctx, messages, schema, out)
	})
}

// ChatWithToolsStep implements TextGenerator.
func (b *Breaker) ChatWithToolsStep(ctx context.Context, messages []Message, tools []ToolSchema, continuation string) (*StepResult, error) {
	var out *StepResult
	err := b.run("breaker.tool_step", func() error {
		var err error
		out, err = b.next.ChatWithToolsStep(ctx, messages, tools, continuation)
		return err
	})
	return out, err
}

var _ TextGenerator = (*Breaker)(nil)
