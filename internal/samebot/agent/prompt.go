package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
)

// Persona is who the bot is in chat.
type Persona struct {
	Name string
	// Prompt is free-form character text placed at the top of the system prompt.
	Prompt string
	Emoji  []Emoji
}

const defaultPersona = `You are %s, a regular member of a group chat among friends.
Talk like one of them: short, casual, lowercase is fine, no customer-service voice.
Never explain that you are an AI unless someone asks directly.`

// promptInput is everything the system prompt is built from.
type promptInput struct {
	persona   Persona
	tools     []Definition
	subjects  []string
	memories  []memory.Recalled
	isDM      bool
	lastQuote string
}

func buildSystemPrompt(in promptInput) string {
	var b strings.Builder
	if in.persona.Prompt != "" {
		b.WriteString(strings.TrimSpace(in.persona.Prompt))
	} else {
		fmt.Fprintf(&b, defaultPersona, in.persona.Name)
	}
	if in.isDM {
		b.WriteString("\n\nThis is a private conversation with one person.")
	}

	b.WriteString("\n\n## Tools\n")
	for _, d := range in.tools {
		fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
		if d.Kind == DirectEffect {
			b.WriteString(" (posts to the channel by itself)")
		}
		b.WriteString("\n")
	}
	b.WriteString(`Tools marked "posts to the channel by itself" have already shown their output ` +
		"to everyone when they return. Do not repeat or paraphrase what they posted. " +
		"If there is nothing to add, reply with an empty message.\n" +
		"Each history line starts with the message [id]; use it to react to a specific message.\n")

	if len(in.persona.Emoji) > 0 {
		b.WriteString("\n## Custom emoji\nYou can react with these by name: ")
		names := make([]string, len(in.persona.Emoji))
		for i, e := range in.persona.Emoji {
			names[i] = e.Name
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}

	if len(in.subjects) > 0 {
		b.WriteString("\n## People and things you have photos of\n")
		b.WriteString("Name them in an image prompt and their photos are used as references: ")
		b.WriteString(strings.Join(in.subjects, ", "))
		b.WriteString("\n")
	}

	if len(in.memories) > 0 {
		b.WriteString("\n## Things you remember\n")
		for _, m := range in.memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	if in.lastQuote != "" {
		fmt.Fprintf(&b, "\nThe scrapbook quote most recently shown here was %q. "+
			"If someone asks for its context, call get_scrapbook_context without a quote.\n", in.lastQuote)
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyMessage renders the conversation as one user turn. Images on the
// triggering message ride along so the model can see them.
func historyMessage(c conversation.Context, triggerID string, now time.Time) llm.Message {
	var b strings.Builder
	b.WriteString("Recent conversation, oldest first:\n")
	var images []llm.Image
	for _, m := range c.History {
		b.WriteString(conversation.FormatLine(m, now))
		b.WriteString("\n")
		if m.ID == triggerID {
			images = append(images, m.Images...)
		}
	}
	fmt.Fprintf(&b, "\nYou are replying to message [%s].", triggerID)
	return llm.Message{Role: llm.RoleUser, Content: b.String(), Images: images}
}
