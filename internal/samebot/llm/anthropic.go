package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/achimala/samebot-zero/common/redact"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to claude-sonnet-4-5.
	Model string
	// MaxTokens defaults to 1024.
	MaxTokens int
	Timeout   time.Duration
}

// AnthropicProvider implements TextGenerator on the Anthropic Messages API.
// Structured output is produced by forcing a single tool call whose input
// schema is the requested schema.
type AnthropicProvider struct {
	client   anthropic.Client
	cfg      AnthropicConfig
	sessions *SessionCache[anthropic.MessageParam]
}

// NewAnthropic builds the adapter. sessions may be nil.
func NewAnthropic(cfg AnthropicConfig, sessions *SessionCache[anthropic.MessageParam]) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:   anthropic.NewClient(opts...),
		cfg:      cfg,
		sessions: sessions,
	}
}

// Chat implements TextGenerator.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	const op = "anthropic.chat"
	resp, err := p.send(ctx, op, p.params(messages, toAnthropicMessages(messages)))
	if err != nil {
		return "", err
	}
	text, _ := splitContent(resp)
	return text, nil
}

// ChatStructured implements TextGenerator.
func (p *AnthropicProvider) ChatStructured(ctx context.Context, messages []Message, schema *Schema, out any) error {
	const op = "anthropic.chat_structured"
	params := p.params(messages, toAnthropicMessages(messages))
	params.Tools = []anthropic.ToolUnionParam{{OfTool: &anthropic.ToolParam{
		Name:        schema.Name,
		Description: anthropic.String("Return the answer through this tool."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties:  schema.properties(),
			Required:    schema.required(),
			ExtraFields: map[string]any{"additionalProperties": false},
		},
	}}}
	params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: schema.Name}}

	resp, err := p.send(ctx, op, params)
	if err != nil {
		return err
	}
	_, calls := splitContent(resp)
	for _, c := range calls {
		if c.Name == schema.Name {
			return schema.decode(op, c.Arguments, out)
		}
	}
	return malformed(op, "model did not call %s", schema.Name)
}

// ChatWithToolsStep implements TextGenerator.
func (p *AnthropicProvider) ChatWithToolsStep(ctx context.Context, messages []Message, tools []ToolSchema, continuation string) (*StepResult, error) {
	const op = "anthropic.tool_step"

	wire, start := resume(p.sessions, continuation, messages)
	wire = append(wire, toAnthropicMessages(messages[start:])...)

	params := p.params(messages, wire)
	for _, t := range tools {
		schema := &Schema{Name: t.Name, Definition: t.Parameters}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.properties(),
				Required:   schema.required(),
			},
		}})
	}

	resp, err := p.send(ctx, op, params)
	if err != nil {
		return nil, err
	}
	text, calls := splitContent(resp)
	if len(calls) == 0 {
		return &StepResult{Done: true, Text: text}, nil
	}

	result := &StepResult{Text: text, ToolCalls: calls}
	if p.sessions != nil {
		result.Continuation = p.sessions.Put(append(wire, assistantParam(resp)), len(messages)+1)
	}
	return result, nil
}

func (p *AnthropicProvider) params(all []Message, wire []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages:  wire,
	}
	for _, m := range all {
		if m.Role == RoleSystem && m.Content != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return params
}

func (p *AnthropicProvider) send(ctx context.Context, op string, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		kind := ErrUpstream
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			kind = ErrRateLimited
		}
		return nil, &Error{Op: op, Kind: kind, Err: errors.New(redact.String(err.Error(), p.cfg.APIKey))}
	}
	return resp, nil
}

// splitContent separates the text and tool_use blocks of a reply.
func splitContent(resp *anthropic.Message) (string, []ToolCall) {
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return text.String(), calls
}

// assistantParam replays a reply as an assistant turn for the next step.
func assistantParam(resp *anthropic.Message) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			}
		case "tool_use":
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
		}
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// toAnthropicMessages converts non-system messages. Consecutive tool results
// are folded into one user turn, which is how the API expects them.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()
		switch m.Role {
		case RoleUser:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
			for _, img := range m.Images {
				mime := img.MimeType
				if mime == "" {
					mime = "image/png"
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(img.Data)))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return out
}

var _ TextGenerator = (*AnthropicProvider)(nil)
