// Package observability configures samebot's structured logging.
//
// Every chat event is handled under a trace ID; WithTrace returns a logger
// that stamps it on each line so one event's gate decision, tool calls and
// reply can be followed together.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/achimala/samebot-zero/common/redact"
	"github.com/achimala/samebot-zero/common/trace"
)

// ParseLevel maps "debug", "warn", "error" to slog levels; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the process-wide slog logger writing to stdout. format is
// "json" or anything else for text.
func Setup(level, format string) *slog.Logger {
	return setup(os.Stdout, level, format)
}

func setup(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithTrace returns the default logger annotated with the trace_id in ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	if id := trace.FromContext(ctx); id != "" {
		return slog.With("trace_id", id)
	}
	return slog.Default()
}

// RedactSecrets removes the given secrets from msg before it is logged.
func RedactSecrets(msg string, secrets ...string) string {
	return redact.String(msg, secrets...)
}
