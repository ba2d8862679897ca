package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const searchMemoryLimit = 10

type searchMemoryTool struct {
	memories Memories
}

func (t *searchMemoryTool) Definition() Definition {
	return Definition{
		Name:        "search_memory",
		Description: "Search what you remember about people in this chat.",
		Kind:        Narrated,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	}
}

func (t *searchMemoryTool) Execute(ctx context.Context, _ *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	hits := t.memories.SearchMemories(ctx, args.Query, searchMemoryLimit)
	if len(hits) == 0 {
		return fmt.Sprintf("no memories found for %q", args.Query), nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
