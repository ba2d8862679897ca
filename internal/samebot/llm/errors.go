package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream covers transport failures and non-2xx responses.
	ErrUpstream = errors.New("llm: upstream service failure")

	// ErrMalformedOutput is returned when a reply is missing, not JSON, or
	// fails schema validation.
	ErrMalformedOutput = errors.New("llm: malformed output")

	// ErrRateLimited is returned for HTTP 429 responses. It is also an
	// ErrUpstream.
	ErrRateLimited = fmt.Errorf("llm: rate limited: %w", ErrUpstream)

	// ErrCircuitOpen is returned while the breaker rejects calls. It is also
	// an ErrUpstream.
	ErrCircuitOpen = fmt.Errorf("llm: circuit breaker is open: %w", ErrUpstream)
)

// Error is the typed failure every adapter returns.
type Error struct {
	// Op names the failing call, e.g. "openai.chat" or "anthropic.tool_step".
	Op string
	// Kind is one of the sentinel errors above.
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func upstream(op string, err error) error {
	return &Error{Op: op, Kind: ErrUpstream, Err: err}
}

func malformed(op string, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrMalformedOutput, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err is a rate limit or circuit-open condition
// that may clear on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen)
}
