package scrapbook

import (
	"fmt"
	"strings"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

const detectSystemPrompt = `You curate a scrapbook of a group chat's most memorable moments.

Below is a list of recent messages, each labeled with its id. Pick the ONE message
that people would genuinely want to be reminded of later: a great line, an absurd
confession, a legendary take. Be VERY conservative. Ordinary chat, logistics,
links and reactions never qualify. Most batches have nothing worth saving; then
return null.`

var detectSchema = llm.MustSchema("scrapbook_detect", llm.Object(map[string]any{
	"messageId": map[string]any{"type": []string{"string", "null"}},
}, "messageId"))

func labeledList(messages []conversation.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.ID, authorOf(m), m.Content)
	}
	return b.String()
}
