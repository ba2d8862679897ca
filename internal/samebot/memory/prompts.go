package memory

import "github.com/achimala/samebot-zero/internal/samebot/llm"

const extractSystemPrompt = `You extract durable facts about people from a chat log.

Return standalone factual statements that would still be worth knowing weeks from now:
preferences, relationships, jobs, plans, possessions, running jokes with a clear subject.
Each fact must name the person it is about and make sense without the chat log.

Skip greetings, reactions, banter, questions and anything speculative.
Be conservative. It's perfectly OK to return an empty array.`

const relateSystemPrompt = `You compare a new fact against existing memories.

For each existing memory decide whether the new fact reinforces it (says the same
thing or supports it) or contradicts it (cannot both be true). Use only the ids shown.
Set isNew to true when the new fact carries information none of the memories already
hold, even if it also reinforces or contradicts some of them.`

var factsSchema = llm.MustSchema("memory_facts", llm.Object(map[string]any{
	"facts": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
}, "facts"))

var relationSchema = llm.MustSchema("memory_relation", llm.Object(map[string]any{
	"reinforced": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
	"contradicted": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
	"isNew": map[string]any{"type": "boolean"},
}, "reinforced", "contradicted", "isNew"))

type extraction struct {
	Facts []string `json:"facts"`
}

type relation struct {
	Reinforced   []string `json:"reinforced"`
	Contradicted []string `json:"contradicted"`
	IsNew        bool     `json:"isNew"`
}
