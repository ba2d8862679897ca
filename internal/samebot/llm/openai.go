package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/achimala/samebot-zero/common/redact"
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint (Ollama, vLLM, gateways).
	BaseURL string
	// Model is the chat model. Defaults to gpt-4o.
	Model     string
	MaxTokens int

	// EmbeddingModel defaults to text-embedding-3-small.
	EmbeddingModel string
	// EmbeddingDimensions fixes the vector size; 0 keeps the model default.
	EmbeddingDimensions int

	// ImageModel defaults to gpt-image-1.
	ImageModel string

	// Timeout bounds each HTTP request. Defaults to 120s.
	Timeout time.Duration
}

// OpenAIProvider implements TextGenerator, Embedder and ImageGenerator on
// top of the OpenAI API via go-openai.
type OpenAIProvider struct {
	client   *openai.Client
	cfg      OpenAIConfig
	sessions *SessionCache[openai.ChatCompletionMessage]
}

// NewOpenAI builds the adapter. sessions may be nil, in which case every
// tool step re-encodes the full transcript.
func NewOpenAI(cfg OpenAIConfig, sessions *SessionCache[openai.ChatCompletionMessage]) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = openai.CreateImageModelGptImage1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		sessions: sessions,
	}
}

// Chat implements TextGenerator.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	const op = "openai.chat"
	msg, err := p.complete(ctx, op, p.request(toOpenAIMessages(messages)))
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// ChatStructured implements TextGenerator using json_schema response format
// in strict mode.
func (p *OpenAIProvider) ChatStructured(ctx context.Context, messages []Message, schema *Schema, out any) error {
	const op = "openai.chat_structured"
	req := p.request(toOpenAIMessages(messages))
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   schema.Name,
			Schema: schema,
			Strict: true,
		},
	}
	msg, err := p.complete(ctx, op, req)
	if err != nil {
		return err
	}
	return schema.decode(op, []byte(msg.Content), out)
}

// ChatWithToolsStep implements TextGenerator.
func (p *OpenAIProvider) ChatWithToolsStep(ctx context.Context, messages []Message, tools []ToolSchema, continuation string) (*StepResult, error) {
	const op = "openai.tool_step"

	wire, start := resume(p.sessions, continuation, messages)
	for _, m := range messages[start:] {
		wire = append(wire, toOpenAIMessage(m))
	}

	req := p.request(wire)
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	msg, err := p.complete(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if len(msg.ToolCalls) == 0 {
		return &StepResult{Done: true, Text: msg.Content}, nil
	}

	result := &StepResult{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	if p.sessions != nil {
		// The caller appends the assistant turn to its transcript, so the
		// cached wire covers one more message than it sent.
		result.Continuation = p.sessions.Put(append(wire, msg), len(messages)+1)
	}
	return result, nil
}

func (p *OpenAIProvider) request(messages []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:               p.cfg.Model,
		Messages:            messages,
		MaxCompletionTokens: p.cfg.MaxTokens,
	}
}

func (p *OpenAIProvider) complete(ctx context.Context, op string, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, p.classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, malformed(op, "response contained no choices")
	}
	return resp.Choices[0].Message, nil
}

// classify maps a go-openai error onto the package error kinds. The API key
// is scrubbed from the message since it ends up in logs.
func (p *OpenAIProvider) classify(op string, err error) error {
	kind := ErrUpstream
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests,
		errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	}
	return &Error{Op: op, Kind: kind, Err: errors.New(redact.String(err.Error(), p.cfg.APIKey))}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, toOpenAIMessage(m))
	}
	return out
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		ToolCallID: m.ToolCallID,
	}
	if m.Role == RoleUser && len(m.Images) > 0 {
		out.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, img := range m.Images {
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURL(img), Detail: openai.ImageURLDetailAuto},
			})
		}
	} else {
		out.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}

func dataURL(img Image) string {
	mime := img.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
}

var (
	_ TextGenerator  = (*OpenAIProvider)(nil)
	_ Embedder       = (*OpenAIProvider)(nil)
	_ ImageGenerator = (*OpenAIProvider)(nil)
)
