package app

import (
	"context"
	"time"

	"github.com/achimala/samebot-zero/common/retry"
	"github.com/achimala/samebot-zero/common/trace"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/matrix"
	"github.com/achimala/samebot-zero/internal/samebot/observability"
)

// handleMessage runs on the sync goroutine. History is updated here,
// before any network call, so events for one channel apply in delivery
// order; everything slow goes to the worker pool.
func (a *App) handleMessage(ctx context.Context, in matrix.Inbound) {
	ctx = trace.WithTraceID(context.WithoutCancel(ctx), trace.GenerateID())
	log := observability.WithTrace(ctx).With("channel_id", in.ChannelID, "message_id", in.Message.ID)

	a.convo.SetDM(in.ChannelID, in.IsDM)
	pending := a.convo.Append(in.ChannelID, in.Message)
	snapshot := a.convo.Snapshot(in.ChannelID)
	log.Debug("message received", "author", in.Message.Author, "images", len(in.Message.Images))

	if err := a.pool.Submit(func() { a.respond(ctx, in.Message, snapshot) }); err != nil {
		log.Error("could not schedule reply", "err", err)
	}

	if pending >= a.cfg.ExtractEvery {
		batch := a.convo.DrainBatch(in.ChannelID)
		a.submitExtraction(ctx, in.ChannelID, batch)
	}
}

// respond runs the gate and, when it says yes, the agent.
func (a *App) respond(ctx context.Context, msg conversation.Message, c conversation.Context) {
	log := observability.WithTrace(ctx).With("channel_id", c.ChannelID, "message_id", msg.ID)

	if !a.gate.ShouldRespond(ctx, msg, c) {
		log.Debug("gate: not responding")
		return
	}

	if err := a.chat.SetTyping(ctx, c.ChannelID, true, a.cfg.TypingTimeout); err != nil {
		log.Debug("could not set typing", "err", err)
	}
	defer func() {
		if err := a.chat.SetTyping(ctx, c.ChannelID, false, 0); err != nil {
			log.Debug("could not clear typing", "err", err)
		}
	}()

	started := time.Now()
	resp, err := a.agent.GenerateResponse(ctx, c, msg.ID)
	if err != nil {
		log.Error("agent failed", "err", err)
	}
	log.Info("turn complete",
		"tool_calls", resp.ToolCallsMade,
		"direct_effects", resp.DirectEffects,
		"timed_out", resp.TimedOut,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if resp.Text == "" {
		return
	}

	var sentID string
	err = retry.Do(ctx, retry.DefaultConfig, func() error {
		id, sendErr := a.chat.SendMessage(ctx, c.ChannelID, resp.Text)
		sentID = id
		return sendErr
	})
	if err != nil {
		log.Error("could not send reply", "err", err)
		return
	}
	a.convo.Append(c.ChannelID, conversation.Message{
		ID:        sentID,
		Role:      conversation.RoleAssistant,
		Content:   resp.Text,
		Timestamp: time.Now(),
	})
}
