package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

// Kind says how a tool's outcome reaches the channel.
type Kind int

const (
	// Narrated tools return information; the model decides what to say about it.
	Narrated Kind = iota
	// DirectEffect tools post to the channel themselves. The model is told
	// not to repeat what they posted.
	DirectEffect
)

func (k Kind) String() string {
	if k == DirectEffect {
		return "direct_effect"
	}
	return "narrated"
}

// Definition describes a tool to the model and to the dispatcher. Parameters
// is the JSON schema for the arguments; the same schema is advertised to the
// model and enforced before Execute runs.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Kind        Kind
}

// Turn is the per-response state tools may read and update.
type Turn struct {
	Context   conversation.Context
	TriggerID string
	// DirectEffects counts successful channel posts made by tools.
	DirectEffects int
}

// ChannelID is the channel the response is for.
func (t *Turn) ChannelID() string { return t.Context.ChannelID }

// Tool is one capability the model can call.
type Tool interface {
	Definition() Definition
	// Execute runs the tool with schema-validated args and returns a short
	// result for the model. An error is reported to the model as text.
	Execute(ctx context.Context, turn *Turn, args json.RawMessage) (string, error)
}

type registered struct {
	tool   Tool
	def    Definition
	schema *llm.Schema
}

// Registry holds the tools available to the agent. Populate it at startup;
// it is not safe to Register concurrently with dispatch.
type Registry struct {
	tools map[string]registered
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds t. It panics on a duplicate name or an invalid parameter
// schema; both are programming errors.
func (r *Registry) Register(t Tool) {
	def := t.Definition()
	if _, dup := r.tools[def.Name]; dup {
		panic("agent: duplicate tool registration: " + def.Name)
	}
	schema, err := llm.NewSchema(def.Name, def.Parameters)
	if err != nil {
		panic(fmt.Sprintf("agent: tool %s: %v", def.Name, err))
	}
	r.tools[def.Name] = registered{tool: t, def: def, schema: schema}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the tool catalog in the form the text generator takes.
func (r *Registry) Schemas() []llm.ToolSchema {
	defs := r.Definitions()
	out := make([]llm.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Dispatch validates and runs one call. It never fails: unknown tools, bad
// arguments and tool errors all come back as result text for the model.
func (r *Registry) Dispatch(ctx context.Context, turn *Turn, call llm.ToolCall) string {
	reg, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := reg.schema.Validate(args); err != nil {
		return fmt.Sprintf("error: invalid arguments for %s: %v", call.Name, err)
	}

	before := turn.DirectEffects
	result, err := reg.tool.Execute(ctx, turn, args)
	if err != nil {
		return "error: " + err.Error()
	}
	if reg.def.Kind == DirectEffect && turn.DirectEffects > before {
		return result + "\n(This was already posted to the channel. Do not repeat it.)"
	}
	return result
}
