// Package matrix connects samebot to a Matrix homeserver.
//
// It delivers room messages as conversation entries, auto-joins rooms it is
// invited to and implements the outbound side the agent's tools use:
// messages, images, edits, reactions and typing notices.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

var _ agent.Channel = (*Client)(nil)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB persists the sync token when set. Without it every restart replays
	// room history.
	DB *sql.DB
	// AutoJoin accepts room invites.
	AutoJoin bool
}

// Inbound is one message delivered to the handler.
type Inbound struct {
	ChannelID string
	IsDM      bool
	Message   conversation.Message
}

// MessageHandler receives inbound messages. It runs on the sync goroutine,
// so messages for a room arrive one at a time and in order; slow work
// belongs elsewhere.
type MessageHandler func(ctx context.Context, in Inbound)

// Client is samebot's Matrix connection.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	logger *slog.Logger
	stopCh chan struct{}

	mu    sync.Mutex
	dms   map[id.RoomID]bool
	names map[id.UserID]string
}

// New creates a client but does not start syncing. A nil logger uses
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
	} else {
		logger.Warn("matrix: no database for sync state; history will replay on restart")
	}
	return &Client{
		mxc:    mxc,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		dms:    make(map[id.RoomID]bool),
		names:  make(map[id.UserID]string),
	}, nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// Start registers handler and begins the sync loop, which reconnects with
// exponential back-off.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.logger.Warn("matrix: E2EE is not enabled; encrypted rooms are ignored")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	// Events from before the first sync were already seen (or never meant
	// for us).
	syncer.OnSync(c.mxc.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(evCtx context.Context, evt *event.Event) {
		c.handleMessage(evCtx, evt, handler)
	})
	syncer.OnEventType(event.StateMember, c.handleMembership)

	go c.syncLoop()
	return nil
}

func (c *Client) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.mxc.Sync()
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err == nil {
			return
		}
		c.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop halts the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mxc.StopSync()
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event, handler MessageHandler) {
	self := id.UserID(c.cfg.UserID)
	if evt.Sender == self {
		return
	}
	msg, imageURL, ok := toMessage(evt, self, c.displayName(ctx, evt.Sender))
	if !ok {
		return
	}
	if imageURL != "" {
		img, err := c.download(ctx, evt, imageURL)
		if err != nil {
			c.logger.Warn("matrix: could not fetch image", "room_id", evt.RoomID, "event_id", evt.ID, "err", err)
		} else {
			msg.Images = []llm.Image{img}
		}
	}
	handler(ctx, Inbound{
		ChannelID: evt.RoomID.String(),
		IsDM:      c.isDM(ctx, evt.RoomID),
		Message:   msg,
	})
}

func (c *Client) download(ctx context.Context, evt *event.Event, url id.ContentURIString) (llm.Image, error) {
	uri, err := url.Parse()
	if err != nil {
		return llm.Image{}, err
	}
	data, err := c.mxc.DownloadBytes(ctx, uri)
	if err != nil {
		return llm.Image{}, err
	}
	mime := "image/png"
	if content := evt.Content.AsMessage(); content != nil && content.Info != nil && content.Info.MimeType != "" {
		mime = content.Info.MimeType
	}
	return llm.Image{MimeType: mime, Data: data}, nil
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || evt.GetStateKey() != c.cfg.UserID {
		// Someone else joined or left; the member count may have changed.
		c.mu.Lock()
		delete(c.dms, evt.RoomID)
		c.mu.Unlock()
		return
	}
	if member.Membership != event.MembershipInvite || !c.cfg.AutoJoin {
		return
	}
	if _, err := c.mxc.JoinRoomByID(ctx, evt.RoomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: invite no longer valid", "room_id", evt.RoomID)
			return
		}
		c.logger.Error("matrix: could not join room", "room_id", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("matrix: joined room", "room_id", evt.RoomID, "inviter", evt.Sender)
}

// isDM treats a room with exactly two joined members as a direct chat.
func (c *Client) isDM(ctx context.Context, room id.RoomID) bool {
	c.mu.Lock()
	dm, cached := c.dms[room]
	c.mu.Unlock()
	if cached {
		return dm
	}
	resp, err := c.mxc.JoinedMembers(ctx, room)
	if err != nil {
		c.logger.Warn("matrix: could not list members", "room_id", room, "err", err)
		return false
	}
	dm = len(resp.Joined) == 2
	c.mu.Lock()
	c.dms[room] = dm
	c.mu.Unlock()
	return dm
}

func (c *Client) displayName(ctx context.Context, user id.UserID) string {
	c.mu.Lock()
	name, ok := c.names[user]
	c.mu.Unlock()
	if ok {
		return name
	}
	resp, err := c.mxc.GetDisplayName(ctx, user)
	if err == nil && resp != nil {
		name = resp.DisplayName
	}
	name = displayName(user, name)
	c.mu.Lock()
	c.names[user] = name
	c.mu.Unlock()
	return name
}

// SendMessage implements agent.Channel.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	resp, err := c.mxc.SendText(ctx, id.RoomID(channelID), text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// SendPlaceholderMessage implements agent.Channel. Placeholders are notices
// so other bots skip them.
func (c *Client) SendPlaceholderMessage(ctx context.Context, channelID, text string) (string, error) {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	resp, err := c.mxc.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send placeholder: %w", err)
	}
	return resp.EventID.String(), nil
}

// SendImage implements agent.Channel.
func (c *Client) SendImage(ctx context.Context, channelID string, image []byte, mimeType string) (string, error) {
	content, err := c.imageContent(ctx, image, mimeType)
	if err != nil {
		return "", err
	}
	resp, err := c.mxc.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send image: %w", err)
	}
	return resp.EventID.String(), nil
}

// EditMessage implements agent.Channel.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	content.SetEdit(id.EventID(messageID))
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// EditMessageWithImage implements agent.Channel by replacing the message
// content with an uploaded image.
func (c *Client) EditMessageWithImage(ctx context.Context, channelID, messageID string, image []byte, mimeType string) error {
	content, err := c.imageContent(ctx, image, mimeType)
	if err != nil {
		return err
	}
	content.SetEdit(id.EventID(messageID))
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("edit message with image: %w", err)
	}
	return nil
}

// React implements agent.Channel.
func (c *Client) React(ctx context.Context, channelID, messageID, emoji string) error {
	if _, err := c.mxc.SendReaction(ctx, id.RoomID(channelID), id.EventID(messageID), emoji); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, channelID string, typing bool, timeout time.Duration) error {
	if _, err := c.mxc.UserTyping(ctx, id.RoomID(channelID), typing, timeout); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (c *Client) imageContent(ctx context.Context, image []byte, mimeType string) (*event.MessageEventContent, error) {
	up, err := c.mxc.UploadBytes(ctx, image, mimeType)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	return &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "image" + extension(mimeType),
		URL:     up.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: mimeType, Size: len(image)},
	}, nil
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
