package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/achimala/samebot-zero/common/retry"
	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/matrix"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// --- stubs ---

type stubChat struct {
	mu     sync.Mutex
	sent   []string
	typing []bool
	fail   int
}

func (c *stubChat) SendMessage(_ context.Context, _, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return "", errors.New("homeserver hiccup")
	}
	c.sent = append(c.sent, text)
	return "$reply", nil
}

func (c *stubChat) SendImage(context.Context, string, []byte, string) (string, error) {
	return "", nil
}

func (c *stubChat) SendPlaceholderMessage(context.Context, string, string) (string, error) {
	return "", nil
}

func (c *stubChat) EditMessage(context.Context, string, string, string) error { return nil }

func (c *stubChat) EditMessageWithImage(context.Context, string, string, []byte, string) error {
	return nil
}

func (c *stubChat) React(context.Context, string, string, string) error { return nil }

func (c *stubChat) SetTyping(_ context.Context, _ string, typing bool, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, typing)
	return nil
}

type stubGate struct{ answer bool }

func (g stubGate) ShouldRespond(context.Context, conversation.Message, conversation.Context) bool {
	return g.answer
}

type stubAgent struct {
	mu       sync.Mutex
	resp     agent.Response
	err      error
	contexts []conversation.Context
}

func (s *stubAgent) GenerateResponse(_ context.Context, c conversation.Context, _ string) (agent.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, c)
	return s.resp, s.err
}

type stubMemories struct {
	mu      sync.Mutex
	batches []string
	purges  int

	// errs are returned by successive ExtractFromBatch calls.
	errs []error
}

func (m *stubMemories) ExtractFromBatch(_ context.Context, text string) (memory.ExtractResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, text)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return memory.ExtractResult{}, err
	}
	return memory.ExtractResult{}, nil
}

func (m *stubMemories) Purge(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges++
	return 0, nil
}

type stubCurator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubCurator) DetectAndSave(context.Context, string, []conversation.Message, []conversation.Message) (scrapbook.Memory, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return scrapbook.Memory{}, false, c.err
}

// --- helpers ---

type harness struct {
	app     *App
	chat    *stubChat
	agent   *stubAgent
	mems    *stubMemories
	curator *stubCurator
}

func newHarness(t *testing.T, respond bool) *harness {
	t.Helper()
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	h := &harness{
		chat:    &stubChat{},
		agent:   &stubAgent{resp: agent.Response{Text: "honk"}},
		mems:    &stubMemories{},
		curator: &stubCurator{},
	}
	cfg := &Config{
		ExtractEvery: 3,
		ExtractRetry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	cfg.withDefaults()
	h.app = &App{
		cfg:       cfg,
		convo:     conversation.NewStore(conversation.Config{}),
		chat:      h.chat,
		gate:      stubGate{answer: respond},
		agent:     h.agent,
		memories:  h.mems,
		scrapbook: h.curator,
		pool:      pool,
	}
	if err := h.app.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return h
}

// drain waits for every submitted task to finish.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.app.pool.ReleaseTimeout(5 * time.Second); err != nil {
		t.Fatalf("pool did not drain: %v", err)
	}
}

func inbound(id, text string) matrix.Inbound {
	return matrix.Inbound{
		ChannelID: "!room",
		Message: conversation.Message{
			ID:        id,
			Role:      conversation.RoleUser,
			Author:    "alice",
			Content:   text,
			Timestamp: time.Now(),
		},
	}
}

// --- tests ---

func TestHandleMessage_RepliesAndRecordsAssistantTurn(t *testing.T) {
	h := newHarness(t, true)
	h.app.handleMessage(context.Background(), inbound("$1", "samebot hi"))
	h.drain(t)

	if len(h.chat.sent) != 1 || h.chat.sent[0] != "honk" {
		t.Fatalf("sent = %v", h.chat.sent)
	}
	if len(h.chat.typing) != 2 || !h.chat.typing[0] || h.chat.typing[1] {
		t.Errorf("typing = %v, want on then off", h.chat.typing)
	}
	hist := h.app.convo.Snapshot("!room").History
	if len(hist) != 2 || hist[1].Role != conversation.RoleAssistant || hist[1].ID != "$reply" {
		t.Errorf("history = %+v", hist)
	}
	// The agent saw the message in history before any reply existed.
	if got := h.agent.contexts[0].History; len(got) != 1 || got[0].ID != "$1" {
		t.Errorf("agent context = %+v", got)
	}
}

func TestHandleMessage_GateSaysNo(t *testing.T) {
	h := newHarness(t, false)
	h.app.handleMessage(context.Background(), inbound("$1", "people chatting"))
	h.drain(t)

	if len(h.chat.sent) != 0 || len(h.agent.contexts) != 0 {
		t.Errorf("replied without the gate's approval: sent=%v", h.chat.sent)
	}
	if n := len(h.app.convo.Snapshot("!room").History); n != 1 {
		t.Errorf("history len = %d, want 1", n)
	}
}

func TestHandleMessage_EmptyTextPostsNothing(t *testing.T) {
	h := newHarness(t, true)
	h.agent.resp = agent.Response{ToolCallsMade: 1, DirectEffects: 1}
	h.app.handleMessage(context.Background(), inbound("$1", "samebot show me a quote"))
	h.drain(t)
	if len(h.chat.sent) != 0 {
		t.Errorf("sent = %v, want nothing", h.chat.sent)
	}
}

func TestHandleMessage_AgentFailureStillPostsFallback(t *testing.T) {
	h := newHarness(t, true)
	h.agent.resp = agent.Response{Text: agent.FallbackMessage}
	h.agent.err = errors.New("upstream down")
	h.chat.fail = 1 // first send fails, retry succeeds
	h.app.handleMessage(context.Background(), inbound("$1", "samebot?"))
	h.drain(t)
	if len(h.chat.sent) != 1 || h.chat.sent[0] != agent.FallbackMessage {
		t.Errorf("sent = %v", h.chat.sent)
	}
}

func TestHandleMessage_ExtractsEveryN(t *testing.T) {
	h := newHarness(t, false)
	for i, text := range []string{"one", "two", "three", "four"} {
		h.app.handleMessage(context.Background(), inbound(string(rune('a'+i)), text))
	}
	h.drain(t)

	if len(h.mems.batches) != 1 {
		t.Fatalf("extraction batches = %d, want 1", len(h.mems.batches))
	}
	if h.mems.batches[0] != "alice: one\nalice: two\nalice: three" {
		t.Errorf("batch = %q", h.mems.batches[0])
	}
	if h.curator.calls != 1 {
		t.Errorf("scrapbook detections = %d, want 1", h.curator.calls)
	}
}

func TestExtract_ScrapbookFailureIsContained(t *testing.T) {
	h := newHarness(t, false)
	h.curator.err = errors.New("db locked")
	h.app.extract(context.Background(), "!room", []conversation.Message{{Author: "alice", Content: "hi"}})
	if len(h.mems.batches) != 1 {
		t.Errorf("memory extraction skipped")
	}
}

func TestExtract_RetriesOnlyTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
	}{
		{"rate limited then ok", []error{&llm.Error{Op: "stub", Kind: llm.ErrRateLimited}}, 2},
		{"circuit open until attempts run out", []error{
			&llm.Error{Op: "stub", Kind: llm.ErrCircuitOpen},
			&llm.Error{Op: "stub", Kind: llm.ErrCircuitOpen},
			&llm.Error{Op: "stub", Kind: llm.ErrCircuitOpen},
		}, 3},
		{"malformed output is not retried", []error{&llm.Error{Op: "stub", Kind: llm.ErrMalformedOutput}}, 1},
		{"plain upstream failure is not retried", []error{&llm.Error{Op: "stub", Kind: llm.ErrUpstream}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.mems.errs = tt.errs
			h.app.extract(context.Background(), "!room", []conversation.Message{{Author: "alice", Content: "I moved to Lisbon"}})
			if len(h.mems.batches) != tt.wantCalls {
				t.Errorf("extraction calls = %d, want %d", len(h.mems.batches), tt.wantCalls)
			}
			if h.curator.calls != 1 {
				t.Errorf("scrapbook detections = %d, want 1", h.curator.calls)
			}
		})
	}
}

func TestSweepAndPurge(t *testing.T) {
	h := newHarness(t, false)
	h.app.handleMessage(context.Background(), inbound("$1", "quiet channel"))
	h.app.sweep()
	h.app.sweep() // nothing new the second time
	h.app.purge()
	h.drain(t)

	if len(h.mems.batches) != 1 {
		t.Errorf("batches = %d, want 1", len(h.mems.batches))
	}
	if h.mems.purges != 1 {
		t.Errorf("purges = %d, want 1", h.mems.purges)
	}
}

func TestSchedule_RejectsBadSpec(t *testing.T) {
	h := newHarness(t, false)
	h.app.cfg.PurgeSchedule = "whenever"
	if err := h.app.schedule(); err == nil {
		t.Error("expected an error for an invalid cron spec")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.withDefaults()
	if cfg.Backend != BackendSQLite || cfg.TextProvider != ProviderOpenAI {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Persona == nil || cfg.Persona.Name != "samebot" {
		t.Errorf("persona = %+v", cfg.Persona)
	}
	if cfg.PurgeSchedule != "@every 6h" || cfg.SweepSchedule != "@every 30m" {
		t.Errorf("schedules = %q, %q", cfg.PurgeSchedule, cfg.SweepSchedule)
	}
	if cfg.ExtractRetry.MaxAttempts != 3 {
		t.Errorf("extract retry = %+v", cfg.ExtractRetry)
	}
}
