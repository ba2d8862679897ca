package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/entity"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

// --- stubs ---

type stepCall struct {
	messages     []llm.Message
	tools        []llm.ToolSchema
	continuation string
}

// scriptedGenerator replays steps in order; once they run out it keeps
// returning the last one.
type scriptedGenerator struct {
	steps []*llm.StepResult
	err   error
	calls []stepCall
}

func (g *scriptedGenerator) Chat(context.Context, []llm.Message) (string, error) {
	return "", errors.New("not used")
}

func (g *scriptedGenerator) ChatStructured(context.Context, []llm.Message, *llm.Schema, any) error {
	return errors.New("not used")
}

func (g *scriptedGenerator) ChatWithToolsStep(_ context.Context, messages []llm.Message, tools []llm.ToolSchema, continuation string) (*llm.StepResult, error) {
	g.calls = append(g.calls, stepCall{
		messages:     append([]llm.Message(nil), messages...),
		tools:        tools,
		continuation: continuation,
	})
	if g.err != nil {
		return nil, g.err
	}
	i := min(len(g.calls)-1, len(g.steps)-1)
	return g.steps[i], nil
}

func toolStep(handle string, calls ...llm.ToolCall) *llm.StepResult {
	return &llm.StepResult{ToolCalls: calls, Continuation: handle}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type stubChannel struct {
	mu      sync.Mutex
	ops     []string
	nextID  int
	failAll bool

	// failImageEdit makes EditMessageWithImage fail while text edits work.
	failImageEdit bool
}

func (c *stubChannel) record(op string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		return "", errors.New("channel down")
	}
	c.nextID++
	c.ops = append(c.ops, op)
	return fmt.Sprintf("$sent%d", c.nextID), nil
}

func (c *stubChannel) SendMessage(_ context.Context, ch, text string) (string, error) {
	return c.record("send " + ch + ": " + text)
}

func (c *stubChannel) SendImage(_ context.Context, ch string, img []byte, mime string) (string, error) {
	return c.record(fmt.Sprintf("image %s: %d bytes %s", ch, len(img), mime))
}

func (c *stubChannel) SendPlaceholderMessage(_ context.Context, ch, text string) (string, error) {
	return c.record("placeholder " + ch + ": " + text)
}

func (c *stubChannel) EditMessage(_ context.Context, ch, id, text string) error {
	_, err := c.record("edit " + id + ": " + text)
	return err
}

func (c *stubChannel) EditMessageWithImage(_ context.Context, ch, id string, img []byte, mime string) error {
	if c.failImageEdit {
		return errors.New("upload failed")
	}
	_, err := c.record(fmt.Sprintf("edit-image %s: %d bytes", id, len(img)))
	return err
}

func (c *stubChannel) React(_ context.Context, ch, id, emoji string) error {
	_, err := c.record("react " + id + " " + emoji)
	return err
}

func (c *stubChannel) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type stubImages struct {
	req llm.ImageRequest
	err error
}

func (s *stubImages) Generate(_ context.Context, req llm.ImageRequest) ([]byte, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

type stubResolver struct{ refs []entity.Reference }

func (r stubResolver) Resolve(context.Context, string) ([]entity.Reference, error) { return r.refs, nil }

func (r stubResolver) Subjects() []string {
	var out []string
	for _, ref := range r.refs {
		out = append(out, ref.Name)
	}
	return out
}

type stubMemories struct {
	hits     []memory.Recalled
	relevant []memory.Recalled
	queries  []string
}

func (m *stubMemories) GetRelevantMemories(_ context.Context, q string, _ int) []memory.Recalled {
	m.queries = append(m.queries, q)
	return m.relevant
}

func (m *stubMemories) SearchMemories(_ context.Context, q string, topK int) []memory.Recalled {
	m.queries = append(m.queries, q)
	if len(m.hits) > topK {
		return m.hits[:topK]
	}
	return m.hits
}

type stubScrapbook struct {
	entries map[string]scrapbook.Memory
	deleted []string
}

func (s *stubScrapbook) Random(_ context.Context, _ string) (scrapbook.Memory, error) {
	for _, m := range s.entries {
		return m, nil
	}
	return scrapbook.Memory{}, scrapbook.ErrNotFound
}

func (s *stubScrapbook) Search(_ context.Context, channelID, q string, limit int) ([]scrapbook.Memory, error) {
	var out []scrapbook.Memory
	for _, m := range s.entries {
		if channelID != "" && m.ChannelID != channelID {
			continue
		}
		if strings.Contains(strings.ToLower(m.KeyMessage), strings.ToLower(q)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubScrapbook) GetContext(_ context.Context, id string) (scrapbook.Memory, error) {
	m, ok := s.entries[id]
	if !ok {
		return scrapbook.Memory{}, scrapbook.ErrNotFound
	}
	return m, nil
}

func (s *stubScrapbook) FindByQuote(_ context.Context, quote string) (scrapbook.Memory, error) {
	for _, m := range s.entries {
		if strings.EqualFold(m.KeyMessage, scrapbook.NormalizeQuote(quote)) {
			return m, nil
		}
	}
	return scrapbook.Memory{}, scrapbook.ErrNotFound
}

func (s *stubScrapbook) DeleteByQuote(ctx context.Context, quote string) (scrapbook.Memory, error) {
	m, err := s.FindByQuote(ctx, quote)
	if err != nil {
		return m, err
	}
	delete(s.entries, m.ID)
	s.deleted = append(s.deleted, m.ID)
	return m, nil
}

type stubTracker struct{ last map[string]string }

func (t *stubTracker) SetLastScrapbookMemory(ch, id string) {
	if t.last == nil {
		t.last = map[string]string{}
	}
	t.last[ch] = id
}

// --- helpers ---

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func convo() conversation.Context {
	return conversation.Context{
		ChannelID: "!room",
		History: []conversation.Message{
			{ID: "$1", Role: conversation.RoleUser, Author: "alice", Content: "morning", Timestamp: fixedNow.Add(-5 * time.Minute)},
			{ID: "$2", Role: conversation.RoleUser, Author: "bob", Content: "samebot draw a goose", Timestamp: fixedNow.Add(-time.Minute)},
		},
	}
}

func quoteEntry() scrapbook.Memory {
	return scrapbook.Memory{
		ID:         "sb1",
		ChannelID:  "!room",
		KeyMessage: "the goose is loose",
		Author:     "carol",
		Context: []scrapbook.ContextMessage{
			{Author: "alice", Content: "what was that noise"},
			{Author: "carol", Content: "the goose is loose"},
		},
		CreatedAt: fixedNow.Add(-48 * time.Hour),
	}
}

type fixture struct {
	gen     *scriptedGenerator
	channel *stubChannel
	images  *stubImages
	mems    *stubMemories
	book    *stubScrapbook
	tracker *stubTracker
	agent   *Agent
}

func newFixture(steps ...*llm.StepResult) *fixture {
	f := &fixture{
		gen:     &scriptedGenerator{steps: steps},
		channel: &stubChannel{},
		images:  &stubImages{},
		mems:    &stubMemories{},
		book:    &stubScrapbook{entries: map[string]scrapbook.Memory{"sb1": quoteEntry()}},
		tracker: &stubTracker{},
	}
	f.agent = New(
		Persona{Name: "samebot", Emoji: []Emoji{{Name: "partyparrot", Key: "mxc://example.org/parrot"}}},
		Config{},
		Deps{
			Generator: f.gen,
			Channel:   f.channel,
			Images:    f.images,
			Resolver:  stubResolver{},
			Memories:  f.mems,
			Scrapbook: f.book,
			Tracker:   f.tracker,
		},
		nil,
	)
	f.agent.now = func() time.Time { return fixedNow }
	return f
}

// --- loop ---

func TestGenerateResponse_DoneImmediately(t *testing.T) {
	f := newFixture(&llm.StepResult{Done: true, Text: "honk"})
	resp, err := f.agent.GenerateResponse(context.Background(), convo(), "$2")
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if resp.Text != "honk" || resp.ToolCallsMade != 0 || resp.TimedOut {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.gen.calls) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(f.gen.calls))
	}
	first := f.gen.calls[0]
	if first.continuation != "" {
		t.Errorf("first step continuation = %q, want empty", first.continuation)
	}
	if first.messages[0].Role != llm.RoleSystem || first.messages[1].Role != llm.RoleUser {
		t.Fatalf("unexpected transcript roles: %v, %v", first.messages[0].Role, first.messages[1].Role)
	}
	if !strings.Contains(first.messages[1].Content, "[$2] (1m ago) bob: samebot draw a goose") {
		t.Errorf("history block missing tagged line:\n%s", first.messages[1].Content)
	}
}

func TestGenerateResponse_EmptyTextIsValid(t *testing.T) {
	f := newFixture(
		toolStep("h1", call("c1", "get_scrapbook_memory", `{}`)),
		&llm.StepResult{Done: true},
	)
	resp, err := f.agent.GenerateResponse(context.Background(), convo(), "$2")
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if resp.Text != "" || resp.TimedOut {
		t.Errorf("resp = %+v, want empty text without timeout", resp)
	}
	if resp.DirectEffects != 1 {
		t.Errorf("DirectEffects = %d, want 1", resp.DirectEffects)
	}
}

func TestGenerateResponse_NeverExceedsIterationBound(t *testing.T) {
	f := newFixture(toolStep("h", call("c", "search_memory", `{"query":"goose"}`)))
	resp, err := f.agent.GenerateResponse(context.Background(), convo(), "$2")
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if got := len(f.gen.calls); got != MaxToolIterations {
		t.Errorf("generator calls = %d, want %d", got, MaxToolIterations)
	}
	if !resp.TimedOut || resp.Text != TimeoutMessage {
		t.Errorf("resp = %+v, want timeout", resp)
	}
	if resp.ToolCallsMade != MaxToolIterations {
		t.Errorf("ToolCallsMade = %d, want %d", resp.ToolCallsMade, MaxToolIterations)
	}
}

func TestGenerateResponse_ServiceFailureFallsBack(t *testing.T) {
	f := newFixture()
	f.gen.err = fmt.Errorf("boom: %w", llm.ErrUpstream)
	resp, err := f.agent.GenerateResponse(context.Background(), convo(), "$2")
	if !errors.Is(err, llm.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if resp.Text != FallbackMessage {
		t.Errorf("Text = %q, want fallback", resp.Text)
	}
	if len(f.gen.calls) != 1 {
		t.Errorf("generator calls = %d, want no retry", len(f.gen.calls))
	}
}

func TestGenerateResponse_RunsCallsInOrderAndThreadsHandle(t *testing.T) {
	f := newFixture(
		toolStep("handle-1",
			call("c1", "react", `{"emoji":"🪿"}`),
			call("c2", "search_memory", `{"query":"goose"}`),
		),
		&llm.StepResult{Done: true, Text: "done"},
	)
	if _, err := f.agent.GenerateResponse(context.Background(), convo(), "$2"); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if len(f.gen.calls) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(f.gen.calls))
	}
	second := f.gen.calls[1]
	if second.continuation != "handle-1" {
		t.Errorf("continuation = %q, want handle-1", second.continuation)
	}

	tail := second.messages[2:]
	if len(tail) != 3 {
		t.Fatalf("appended %d messages, want assistant + 2 tool results", len(tail))
	}
	if tail[0].Role != llm.RoleAssistant || len(tail[0].ToolCalls) != 2 {
		t.Errorf("first appended message = %+v, want assistant with tool calls", tail[0])
	}
	if tail[1].ToolCallID != "c1" || tail[2].ToolCallID != "c2" {
		t.Errorf("tool results out of order: %q, %q", tail[1].ToolCallID, tail[2].ToolCallID)
	}
	if tail[1].Role != llm.RoleTool || tail[1].Name != "react" {
		t.Errorf("tool result = %+v", tail[1])
	}
}

func TestGenerateResponse_PromptCarriesInventory(t *testing.T) {
	f := newFixture(&llm.StepResult{Done: true})
	f.mems.relevant = []memory.Recalled{{Memory: memory.Memory{Content: "bob is scared of geese"}}}
	c := convo()
	c.LastScrapbookMemoryID = "sb1"
	if _, err := f.agent.GenerateResponse(context.Background(), c, "$2"); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	system := f.gen.calls[0].messages[0].Content
	for _, want := range []string{
		"partyparrot",
		"bob is scared of geese",
		"the goose is loose",
		"get_scrapbook_memory",
		"Do not repeat",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(f.mems.queries) == 0 || f.mems.queries[0] != "samebot draw a goose" {
		t.Errorf("relevant memories queried with %v, want trigger content", f.mems.queries)
	}
}

// --- registry ---

func TestRegistry_DuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&searchMemoryTool{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.Register(&searchMemoryTool{})
}

func TestRegistry_DispatchErrorsBecomeText(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	cases := []struct {
		name string
		call llm.ToolCall
		want string
	}{
		{"unknown tool", call("c", "launch_rockets", `{}`), `error: unknown tool "launch_rockets"`},
		{"missing required", call("c", "search_memory", `{}`), "error: invalid arguments for search_memory"},
		{"extra property", call("c", "react", `{"emoji":"👍","loud":true}`), "error: invalid arguments for react"},
		{"wrong enum", call("c", "generate_image", `{"prompt":"x","aspectRatio":"2:1"}`), "error: invalid arguments for generate_image"},
		{"unknown emoji", call("c", "react", `{"emoji":"notathing"}`), "error: unknown emoji"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := f.agent.Tools().Dispatch(context.Background(), turn, tc.call)
			if !strings.HasPrefix(got, tc.want) {
				t.Errorf("Dispatch = %q, want prefix %q", got, tc.want)
			}
		})
	}
	if ops := f.channel.log(); len(ops) != 0 {
		t.Errorf("failed calls touched the channel: %v", ops)
	}
}

func TestRegistry_KindsAndSchemasMatch(t *testing.T) {
	f := newFixture()
	kinds := map[string]Kind{}
	for _, d := range f.agent.Tools().Definitions() {
		kinds[d.Name] = d.Kind
	}
	want := map[string]Kind{
		"react":                   Narrated,
		"generate_image":          DirectEffect,
		"search_memory":           Narrated,
		"get_scrapbook_memory":    DirectEffect,
		"search_scrapbook":        DirectEffect,
		"get_scrapbook_context":   DirectEffect,
		"delete_scrapbook_memory": Narrated,
	}
	for name, k := range want {
		if got, ok := kinds[name]; !ok || got != k {
			t.Errorf("%s kind = %v (registered %v), want %v", name, got, ok, k)
		}
	}
	if len(kinds) != len(want) {
		t.Errorf("registered %d tools, want %d", len(kinds), len(want))
	}
	for _, s := range f.agent.Tools().Schemas() {
		tool, _ := f.agent.Tools().Get(s.Name)
		if fmt.Sprint(tool.Definition().Parameters) != fmt.Sprint(s.Parameters) {
			t.Errorf("%s: advertised schema differs from dispatch schema", s.Name)
		}
	}
}

func TestNew_OptionalDepsOmitTools(t *testing.T) {
	a := New(Persona{Name: "samebot"}, Config{}, Deps{Generator: &scriptedGenerator{}, Channel: &stubChannel{}}, nil)
	defs := a.Tools().Definitions()
	if len(defs) != 1 || defs[0].Name != "react" {
		t.Errorf("definitions = %v, want only react", defs)
	}
}

// --- tools ---

func TestReact_UnknownMessageFallsBackToTrigger(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "react", `{"messageId":"$404","emoji":":partyparrot:"}`))
	if !strings.Contains(got, "[$2]") {
		t.Errorf("result = %q, want trigger id", got)
	}
	ops := f.channel.log()
	if len(ops) != 1 || ops[0] != "react $2 mxc://example.org/parrot" {
		t.Errorf("ops = %v", ops)
	}
}

func TestReact_KnownMessageAndLiteralEmoji(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	f.agent.Tools().Dispatch(context.Background(), turn, call("c", "react", `{"messageId":"[$1]","emoji":"👍🏽"}`))
	ops := f.channel.log()
	if len(ops) != 1 || ops[0] != "react $1 👍🏽" {
		t.Errorf("ops = %v", ops)
	}
}

func TestReact_ChannelFailureIsText(t *testing.T) {
	f := newFixture()
	f.channel.failAll = true
	got := f.agent.Tools().Dispatch(context.Background(), &Turn{Context: convo(), TriggerID: "$2"}, call("c", "react", `{"emoji":"😂"}`))
	if !strings.HasPrefix(got, "error: reaction failed") {
		t.Errorf("result = %q", got)
	}
}

func TestIsLiteralEmoji(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"😂", true},
		{"❤️", true},
		{"👍🏽", true},
		{"👩\u200d💻", true},
		{"lol", false},
		{"", false},
		{"😂 hi", false},
		{"partyparrot", false},
	}
	for _, tc := range cases {
		if got := isLiteralEmoji(tc.in); got != tc.want {
			t.Errorf("isLiteralEmoji(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGenerateImage_PlaceholderThenEdit(t *testing.T) {
	f := newFixture()
	c := convo()
	c.History[0].Images = []llm.Image{{MimeType: "image/png", Data: []byte("old")}}
	turn := &Turn{Context: c, TriggerID: "$2"}

	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "generate_image", `{"prompt":"a goose","aspectRatio":"16:9","gif":true}`))
	if !strings.Contains(got, "image posted") || !strings.Contains(got, "still image") {
		t.Errorf("result = %q", got)
	}
	if !strings.Contains(got, "Do not repeat") {
		t.Errorf("direct effect result lacks repeat notice: %q", got)
	}
	ops := f.channel.log()
	if len(ops) != 2 || !strings.HasPrefix(ops[0], "placeholder !room") || !strings.HasPrefix(ops[1], "edit-image $sent1") {
		t.Errorf("ops = %v, want placeholder then edit of the same message", ops)
	}
	if f.images.req.AspectRatio != "16:9" || len(f.images.req.ReferenceImages) != 1 {
		t.Errorf("request = %+v", f.images.req)
	}
	if turn.DirectEffects != 1 {
		t.Errorf("DirectEffects = %d, want 1", turn.DirectEffects)
	}
}

func TestGenerateImage_FailureEditsPlaceholder(t *testing.T) {
	f := newFixture()
	f.images.err = errors.New("quota")
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "generate_image", `{"prompt":"a goose"}`))
	if !strings.HasPrefix(got, "error: image generation failed") {
		t.Errorf("result = %q", got)
	}
	ops := f.channel.log()
	if len(ops) != 2 || !strings.HasPrefix(ops[1], "edit $sent1: ") {
		t.Errorf("ops = %v, want placeholder replaced with error text", ops)
	}
	if turn.DirectEffects != 0 {
		t.Errorf("DirectEffects = %d, want 0", turn.DirectEffects)
	}
}

func TestGenerateImage_PostFailureEditsPlaceholder(t *testing.T) {
	f := newFixture()
	f.channel.failImageEdit = true
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "generate_image", `{"prompt":"a goose"}`))
	if !strings.Contains(got, "could not post it: upload failed") {
		t.Errorf("result = %q", got)
	}
	ops := f.channel.log()
	if len(ops) != 2 || ops[1] != "edit $sent1: couldn't post that image, sorry" {
		t.Errorf("ops = %v, want placeholder replaced with error text", ops)
	}
	if turn.DirectEffects != 0 {
		t.Errorf("DirectEffects = %d, want 0", turn.DirectEffects)
	}
}

func TestGenerateImage_ReferencesPreferSubjectsAndCap(t *testing.T) {
	refs := []entity.Reference{{Name: "Gus", Images: []llm.Image{{Data: []byte("g1")}, {Data: []byte("g2")}, {Data: []byte("g3")}}}}
	tool := newImageTool(&stubChannel{}, &stubImages{}, stubResolver{refs: refs}, ImageLimit{})
	c := convo()
	c.History[0].Images = []llm.Image{{Data: []byte("c1")}, {Data: []byte("c2")}}
	got, subjects := tool.references(context.Background(), &Turn{Context: c}, "gus")
	if len(got) != maxReferenceImages {
		t.Fatalf("got %d references, want %d", len(got), maxReferenceImages)
	}
	if string(got[0].Data) != "g1" || string(got[3].Data) != "c2" {
		t.Errorf("references out of order: %q ... %q", got[0].Data, got[3].Data)
	}
	if len(subjects) != 1 || subjects[0] != "Gus" {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestGenerateImage_RateLimitedPerChannel(t *testing.T) {
	tool := newImageTool(&stubChannel{}, &stubImages{}, nil, ImageLimit{Every: time.Hour, Burst: 1})
	if !tool.allow("!a") {
		t.Fatal("first request denied")
	}
	if tool.allow("!a") {
		t.Error("second request in the same channel allowed")
	}
	if !tool.allow("!b") {
		t.Error("other channel denied")
	}
}

func TestSearchMemory_FormatsBullets(t *testing.T) {
	f := newFixture()
	for i := range 12 {
		f.mems.hits = append(f.mems.hits, memory.Recalled{Memory: memory.Memory{Content: fmt.Sprintf("fact %d", i)}})
	}
	got := f.agent.Tools().Dispatch(context.Background(), &Turn{Context: convo()}, call("c", "search_memory", `{"query":"facts"}`))
	if n := strings.Count(got, "- fact"); n != searchMemoryLimit {
		t.Errorf("bullets = %d, want %d:\n%s", n, searchMemoryLimit, got)
	}

	f.mems.hits = nil
	got = f.agent.Tools().Dispatch(context.Background(), &Turn{Context: convo()}, call("c", "search_memory", `{"query":"nothing"}`))
	if !strings.HasPrefix(got, "no memories found") {
		t.Errorf("empty result = %q", got)
	}
}

func TestScrapbookTools_PostAndTrack(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}

	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "get_scrapbook_memory", `{}`))
	if !strings.Contains(got, "Do not repeat") {
		t.Errorf("result = %q", got)
	}
	if f.tracker.last["!room"] != "sb1" || turn.Context.LastScrapbookMemoryID != "sb1" {
		t.Errorf("last scrapbook id not recorded: tracker=%v turn=%q", f.tracker.last, turn.Context.LastScrapbookMemoryID)
	}

	// No quote: falls back to the entry just shown.
	f.agent.Tools().Dispatch(context.Background(), turn, call("c", "get_scrapbook_context", `{}`))
	ops := f.channel.log()
	if len(ops) != 2 {
		t.Fatalf("ops = %v", ops)
	}
	if !strings.Contains(ops[0], "> the goose is loose") {
		t.Errorf("entry post = %q", ops[0])
	}
	if !strings.Contains(ops[1], "what was that noise") {
		t.Errorf("context post = %q", ops[1])
	}
}

func TestScrapbookTools_SearchAndMisses(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}

	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "search_scrapbook", `{"query":"goose"}`))
	if !strings.Contains(got, "posted the best match") {
		t.Errorf("hit = %q", got)
	}
	got = f.agent.Tools().Dispatch(context.Background(), turn, call("c", "search_scrapbook", `{"query":"llama"}`))
	if !strings.HasPrefix(got, "nothing in the scrapbook") {
		t.Errorf("miss = %q", got)
	}
	if strings.Contains(got, "Do not repeat") {
		t.Errorf("miss should not claim a post: %q", got)
	}

	elsewhere := convo()
	elsewhere.ChannelID = "!other"
	got = f.agent.Tools().Dispatch(context.Background(), &Turn{Context: elsewhere, TriggerID: "$2"}, call("c", "search_scrapbook", `{"query":"goose"}`))
	if !strings.HasPrefix(got, "nothing in the scrapbook") {
		t.Errorf("entry from another channel was searchable: %q", got)
	}

	fresh := &Turn{Context: convo(), TriggerID: "$2"}
	got = f.agent.Tools().Dispatch(context.Background(), fresh, call("c", "get_scrapbook_context", `{}`))
	if !strings.HasPrefix(got, "error: no quote given") {
		t.Errorf("context without history = %q", got)
	}
}

func TestDeleteScrapbookMemory(t *testing.T) {
	f := newFixture()
	turn := &Turn{Context: convo(), TriggerID: "$2"}
	got := f.agent.Tools().Dispatch(context.Background(), turn, call("c", "delete_scrapbook_memory", `{"quote":"\"The goose is loose\""}`))
	if !strings.HasPrefix(got, "deleted") {
		t.Fatalf("result = %q", got)
	}
	if len(f.book.deleted) != 1 || f.book.deleted[0] != "sb1" {
		t.Errorf("deleted = %v", f.book.deleted)
	}
	got = f.agent.Tools().Dispatch(context.Background(), turn, call("c", "delete_scrapbook_memory", `{"quote":"the goose is loose"}`))
	if !strings.HasPrefix(got, "error: no scrapbook entry") {
		t.Errorf("second delete = %q", got)
	}
	if ops := f.channel.log(); len(ops) != 0 {
		t.Errorf("delete posted to the channel: %v", ops)
	}
}
