package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// fakeOpenAI serves /chat/completions from a queue of canned assistant
// messages and records every request body.
type fakeOpenAI struct {
	mu       sync.Mutex
	replies  []openai.ChatCompletionMessage
	requests []openai.ChatCompletionRequest
	status   int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.requests = append(f.requests, req)

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
		return
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Choices: []openai.ChatCompletionChoice{{Index: 0, Message: reply}},
	})
}

func newTestOpenAI(t *testing.T, fake *fakeOpenAI) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	sessions, err := NewSessionCache[openai.ChatCompletionMessage](16, time.Minute)
	if err != nil {
		t.Fatalf("NewSessionCache: %v", err)
	}
	t.Cleanup(sessions.Close)
	return NewOpenAI(OpenAIConfig{APIKey: "sk-test-key-123456", BaseURL: srv.URL, Model: "test-model"}, sessions)
}

func TestOpenAI_ToolStepAndContinuation(t *testing.T) {
	fake := &fakeOpenAI{replies: []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "react", Arguments: `{"emoji":"👍"}`},
			}},
		},
		{Role: openai.ChatMessageRoleAssistant, Content: "done reacting"},
	}}
	p := newTestOpenAI(t, fake)
	ctx := context.Background()
	tools := []ToolSchema{{Name: "react", Description: "react", Parameters: Object(map[string]any{
		"emoji": map[string]any{"type": "string"},
	}, "emoji")}}

	transcript := []Message{
		{Role: RoleSystem, Content: "you are samebot"},
		{Role: RoleUser, Content: "[m1] dave: react to this"},
	}
	step, err := p.ChatWithToolsStep(ctx, transcript, tools, "")
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if step.Done {
		t.Fatal("expected a continue result")
	}
	if len(step.ToolCalls) != 1 || step.ToolCalls[0].Name != "react" || string(step.ToolCalls[0].Arguments) != `{"emoji":"👍"}` {
		t.Fatalf("unexpected tool calls: %+v", step.ToolCalls)
	}
	if step.Continuation == "" {
		t.Fatal("expected a continuation handle")
	}

	transcript = append(transcript,
		Message{Role: RoleAssistant, ToolCalls: step.ToolCalls},
		Message{Role: RoleTool, ToolCallID: "call_1", Name: "react", Content: "reacted"},
	)
	step, err = p.ChatWithToolsStep(ctx, transcript, tools, step.Continuation)
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if !step.Done || step.Text != "done reacting" {
		t.Fatalf("unexpected final step: %+v", step)
	}

	second := fake.requests[1]
	if len(second.Messages) != 4 {
		t.Fatalf("expected 4 wire messages on resume, got %d", len(second.Messages))
	}
	if got := second.Messages[2].ToolCalls; len(got) != 1 || got[0].ID != "call_1" {
		t.Fatalf("assistant turn not replayed verbatim: %+v", second.Messages[2])
	}
	if second.Messages[3].Role != openai.ChatMessageRoleTool || second.Messages[3].ToolCallID != "call_1" {
		t.Fatalf("tool result not appended: %+v", second.Messages[3])
	}
}

func TestOpenAI_ChatStructuredValidates(t *testing.T) {
	fake := &fakeOpenAI{replies: []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleAssistant, Content: `{"shouldRespond": true}`},
		{Role: openai.ChatMessageRoleAssistant, Content: `{"respond": "maybe"}`},
	}}
	p := newTestOpenAI(t, fake)

	var out struct {
		ShouldRespond bool `json:"shouldRespond"`
	}
	if err := p.ChatStructured(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, testSchema, &out); err != nil {
		t.Fatalf("ChatStructured: %v", err)
	}
	if !out.ShouldRespond {
		t.Fatal("expected shouldRespond=true")
	}
	if rf := fake.requests[0].ResponseFormat; rf == nil || rf.Type != openai.ChatCompletionResponseFormatTypeJSONSchema {
		t.Fatalf("expected json_schema response format, got %+v", rf)
	}

	err := p.ChatStructured(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, testSchema, &out)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestOpenAI_RateLimitIsTyped(t *testing.T) {
	p := newTestOpenAI(t, &fakeOpenAI{status: http.StatusTooManyRequests})

	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Op != "openai.chat" {
		t.Fatalf("expected *Error with op openai.chat, got %#v", err)
	}
}
