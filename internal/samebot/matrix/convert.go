package matrix

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/achimala/samebot-zero/internal/samebot/conversation"
)

// toMessage converts a room message event into a history entry. Images
// are not fetched here; ok is false for events the bot ignores (its own
// messages, edits, notices, non-text/image types).
func toMessage(evt *event.Event, self id.UserID, author string) (msg conversation.Message, imageURL id.ContentURIString, ok bool) {
	if evt.Sender == self {
		return conversation.Message{}, "", false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return conversation.Message{}, "", false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return conversation.Message{}, "", false
	}

	msg = conversation.Message{
		ID:        evt.ID.String(),
		Role:      conversation.RoleUser,
		Author:    author,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			msg.Mentions = append(msg.Mentions, u.String())
		}
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		body := content.Body
		if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
			body = stripReplyFallback(body)
		}
		if content.MsgType == event.MsgEmote {
			body = "*" + author + " " + body + "*"
		}
		msg.Content = body
		return msg, "", true
	case event.MsgImage:
		// The body of an image event is usually just the file name; a
		// caption, when present, is carried in FileName's place.
		if content.FileName != "" && content.Body != content.FileName {
			msg.Content = content.Body
		}
		return msg, content.URL, content.URL != ""
	default:
		return conversation.Message{}, "", false
	}
}

// stripReplyFallback drops the "> <@user> quoted text" block that older
// clients prepend to replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// displayName falls back to the localpart when no profile name is known.
func displayName(user id.UserID, profile string) string {
	if profile != "" {
		return profile
	}
	return user.Localpart()
}
