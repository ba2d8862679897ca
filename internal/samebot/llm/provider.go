// Package llm defines the contracts samebot uses to talk to text, embedding
// and image generation services, plus OpenAI-compatible and Anthropic
// adapters for them.
//
// Adapters never panic across this boundary: every failure is returned as an
// *Error so callers can degrade (say nothing, skip a fact) instead of crashing
// the event they are handling.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is an inline image attached to a user message or passed as a
// generation reference.
type Image struct {
	MimeType string
	Data     []byte
}

// Message is one turn in a transcript.
type Message struct {
	Role    Role
	Content string
	Images  []Image

	// Set on assistant turns that requested tools.
	ToolCalls []ToolCall

	// Set on RoleTool turns.
	ToolCallID string
	Name       string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSchema advertises one tool to the model. Parameters is a JSON schema
// object and must match what the dispatcher validates against.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StepResult is the outcome of one tool step. When Done is false the caller
// executes ToolCalls and passes Continuation back on the next step.
type StepResult struct {
	Done         bool
	Text         string
	ToolCalls    []ToolCall
	Continuation string
}

// TextGenerator is a chat-completion service.
type TextGenerator interface {
	// Chat returns the assistant's plain-text reply.
	Chat(ctx context.Context, messages []Message) (string, error)

	// ChatStructured asks for a reply conforming to schema and decodes it
	// into out. A reply that fails schema validation is ErrMalformedOutput.
	ChatStructured(ctx context.Context, messages []Message, schema *Schema, out any) error

	// ChatWithToolsStep runs one round of tool reasoning. continuation is the
	// handle from the previous step, or "" on the first one. messages is the
	// full transcript so far; a valid handle lets the adapter skip
	// re-encoding the prefix it already holds.
	ChatWithToolsStep(ctx context.Context, messages []Message, tools []ToolSchema, continuation string) (*StepResult, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ImageRequest describes one image generation.
type ImageRequest struct {
	Prompt          string
	ReferenceImages []Image
	// AspectRatio is "1:1", "16:9", "9:16", "4:3" or "3:4". Empty means square.
	AspectRatio string
	// Resolution is "low", "medium" or "high". Empty lets the service decide.
	Resolution string
}

// ImageGenerator renders an image and returns the encoded bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) ([]byte, error)
}
