package gate

import (
	"fmt"
	"strings"

	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

var decisionSchema = llm.MustSchema("should_respond", llm.Object(map[string]any{
	"shouldRespond": map[string]any{"type": "boolean"},
}, "shouldRespond"))

func systemPrompt(id Identity) string {
	name := "the bot"
	if len(id.Names) > 0 {
		name = id.Names[0]
	}
	return fmt.Sprintf(`You decide whether %s, a member of a group chat, should reply to the newest message.

%s spoke recently, so the new message might be a follow-up to it. Return true only
when the message is clearly directed at %s: a reply to what it said, a question to it,
or an obvious continuation of an exchange with it. Return false when people are talking
among themselves, when the message would read fine without any reply, or when the topic
has moved on. Be conservative and return false when in doubt.

Other names %s answers to: %s.`, name, name, name, name, strings.Join(id.Names, ", "))
}
