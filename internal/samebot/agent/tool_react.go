package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Emoji is a custom reaction the platform knows by name.
type Emoji struct {
	Name string `yaml:"name" json:"name"`
	// Key is what is sent as the reaction, e.g. an mxc:// URI or shortcode.
	Key string `yaml:"key" json:"key"`
}

type reactTool struct {
	channel Channel
	emoji   []Emoji
}

func (t *reactTool) Definition() Definition {
	return Definition{
		Name:        "react",
		Description: "React to a message with an emoji. Use a literal Unicode emoji or the name of one of the custom emoji.",
		Kind:        Narrated,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"messageId": map[string]any{
					"type":        "string",
					"description": "The [id] of the message to react to. Defaults to the message you are replying to.",
				},
				"emoji": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "A Unicode emoji like 😂, or a custom emoji name.",
				},
			},
			"required":             []string{"emoji"},
			"additionalProperties": false,
		},
	}
}

func (t *reactTool) Execute(ctx context.Context, turn *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		MessageID string `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}

	key, ok := t.resolve(args.Emoji)
	if !ok {
		return "", fmt.Errorf("unknown emoji %q; use a Unicode emoji or one of the custom names", args.Emoji)
	}

	target := strings.Trim(strings.TrimSpace(args.MessageID), "[]")
	if _, found := turn.Context.Find(target); !found {
		target = turn.TriggerID
	}
	if err := t.channel.React(ctx, turn.ChannelID(), target, key); err != nil {
		return "", fmt.Errorf("reaction failed: %w", err)
	}
	return fmt.Sprintf("reacted to [%s] with %s", target, args.Emoji), nil
}

// resolve maps a custom emoji name (with or without colons) to its key, or
// accepts a literal emoji.
func (t *reactTool) resolve(emoji string) (string, bool) {
	emoji = strings.TrimSpace(emoji)
	name := strings.ToLower(strings.Trim(emoji, ":"))
	for _, e := range t.emoji {
		if strings.ToLower(e.Name) == name {
			return e.Key, true
		}
	}
	if isLiteralEmoji(emoji) {
		return emoji, true
	}
	return "", false
}

// isLiteralEmoji reports whether s is short and made only of symbol,
// joiner and variation-selector runes.
func isLiteralEmoji(s string) bool {
	if s == "" || len([]rune(s)) > 16 {
		return false
	}
	sawSymbol := false
	for _, r := range s {
		switch {
		case r == '\u200d', r >= 0xfe00 && r <= 0xfe0f, r >= 0x1f3fb && r <= 0x1f3ff:
			// joiners, variation selectors, skin tones
		case unicode.Is(unicode.So, r), r >= 0x1f000, r >= 0x2600 && r <= 0x27bf:
			sawSymbol = true
		default:
			return false
		}
	}
	return sawSymbol
}
