package matrix

import (
	"context"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/achimala/samebot-zero/internal/samebot/store"
)

const bot = id.UserID("@samebot:example.org")

func messageEvent(sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        "$evt",
		RoomID:    "!room:example.org",
		Sender:    sender,
		Timestamp: 1_700_000_000_000,
		Type:      event.EventMessage,
		Content:   event.Content{Parsed: content},
	}
}

func TestToMessage_Text(t *testing.T) {
	evt := messageEvent("@alice:example.org", &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     "hey samebot",
		Mentions: &event.Mentions{UserIDs: []id.UserID{bot}},
	})
	msg, url, ok := toMessage(evt, bot, "Alice")
	if !ok || url != "" {
		t.Fatalf("toMessage ok=%v url=%q", ok, url)
	}
	if msg.ID != "$evt" || msg.Author != "Alice" || msg.Content != "hey samebot" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.UnixMilli() != 1_700_000_000_000 {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != bot.String() {
		t.Errorf("mentions = %v", msg.Mentions)
	}
}

func TestToMessage_Ignored(t *testing.T) {
	edit := &event.MessageEventContent{MsgType: event.MsgText, Body: "* fixed"}
	edit.SetEdit("$orig")

	cases := map[string]*event.Event{
		"own message": messageEvent(bot, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}),
		"notice":      messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgNotice, Body: "beep"}),
		"edit":        messageEvent("@alice:example.org", edit),
		"image without url": messageEvent("@alice:example.org", &event.MessageEventContent{
			MsgType: event.MsgImage, Body: "cat.png",
		}),
	}
	for name, evt := range cases {
		if _, _, ok := toMessage(evt, bot, "Alice"); ok {
			t.Errorf("%s: expected event to be ignored", name)
		}
	}
}

func TestToMessage_ImageCaption(t *testing.T) {
	evt := messageEvent("@alice:example.org", &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     "look at this goose",
		FileName: "goose.jpg",
		URL:      "mxc://example.org/abc",
	})
	msg, url, ok := toMessage(evt, bot, "Alice")
	if !ok || url != "mxc://example.org/abc" {
		t.Fatalf("ok=%v url=%q", ok, url)
	}
	if msg.Content != "look at this goose" {
		t.Errorf("content = %q", msg.Content)
	}

	bare := messageEvent("@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "goose.jpg",
		URL:     "mxc://example.org/abc",
	})
	msg, _, _ = toMessage(bare, bot, "Alice")
	if msg.Content != "" {
		t.Errorf("file name leaked into content: %q", msg.Content)
	}
}

func TestStripReplyFallback(t *testing.T) {
	cases := []struct{ in, want string }{
		{"> <@bob:example.org> original\n> more\n\nactual reply", "actual reply"},
		{"no quote here", "no quote here"},
		{"> only quote", ""},
	}
	for _, tc := range cases {
		if got := stripReplyFallback(tc.in); got != tc.want {
			t.Errorf("stripReplyFallback(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("@alice:example.org", ""); got != "alice" {
		t.Errorf("fallback = %q", got)
	}
	if got := displayName("@alice:example.org", "Alice A."); got != "Alice A." {
		t.Errorf("profile = %q", got)
	}
}

func TestDBSyncStore_RoundTrip(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "samebot.db"), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	ss := NewDBSyncStore(st.DB())

	if got, err := ss.LoadNextBatch(ctx, bot); err != nil || got != "" {
		t.Fatalf("first LoadNextBatch = %q, %v; want empty", got, err)
	}
	if err := ss.SaveNextBatch(ctx, bot, "s1"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if err := ss.SaveNextBatch(ctx, bot, "s2"); err != nil {
		t.Fatalf("SaveNextBatch overwrite: %v", err)
	}
	if err := ss.SaveFilterID(ctx, bot, "f1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}
	if got, _ := ss.LoadNextBatch(ctx, bot); got != "s2" {
		t.Errorf("next batch = %q, want s2", got)
	}
	if got, _ := ss.LoadFilterID(ctx, bot); got != "f1" {
		t.Errorf("filter id = %q, want f1", got)
	}
	if got, _ := ss.LoadNextBatch(ctx, "@other:example.org"); got != "" {
		t.Errorf("other user's batch = %q, want empty", got)
	}
}
