package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/achimala/samebot-zero/common/retry"
	"github.com/achimala/samebot-zero/common/trace"
	"github.com/achimala/samebot-zero/internal/samebot/conversation"
	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/memory"
	"github.com/achimala/samebot-zero/internal/samebot/observability"
)

// submitExtraction hands batch to the pool for memory extraction and
// scrapbook detection. Failures are logged and never reach the message
// handler.
func (a *App) submitExtraction(ctx context.Context, channelID string, batch []conversation.Message) {
	if len(batch) == 0 {
		return
	}
	err := a.pool.Submit(func() { a.extract(ctx, channelID, batch) })
	if err != nil {
		observability.WithTrace(ctx).Error("could not schedule extraction", "channel_id", channelID, "err", err)
	}
}

func (a *App) extract(ctx context.Context, channelID string, batch []conversation.Message) {
	log := observability.WithTrace(ctx).With("channel_id", channelID, "batch", len(batch))

	text := conversation.Transcript(batch)
	var res memory.ExtractResult
	err := retry.Do(ctx, a.cfg.ExtractRetry, func() error {
		var err error
		res, err = a.memories.ExtractFromBatch(ctx, text)
		if err != nil && !llm.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Warn("memory extraction failed", "err", err)
	} else if res.Facts > 0 {
		log.Info("memories updated",
			"facts", res.Facts,
			"inserted", res.Inserted,
			"reinforced", res.Reinforced,
			"contradicted", res.Contradicted,
			"purged", res.Purged,
		)
	}

	history := a.convo.Snapshot(channelID).History
	m, saved, err := a.scrapbook.DetectAndSave(ctx, channelID, batch, history)
	switch {
	case err != nil:
		log.Warn("scrapbook detection failed", "err", err)
	case saved:
		log.Info("scrapbook entry saved", "scrapbook_id", m.ID, "author", m.Author)
	}
}

// purge drops memories that have decayed below the threshold.
func (a *App) purge() {
	ctx := trace.Ensure(context.Background())
	n, err := a.memories.Purge(ctx)
	if err != nil {
		observability.WithTrace(ctx).Error("scheduled purge failed", "err", err)
		return
	}
	observability.WithTrace(ctx).Info("scheduled purge complete", "purged", n)
}

// sweep extracts from channels whose recent messages never reached the
// ExtractEvery threshold.
func (a *App) sweep() {
	for _, ch := range a.convo.Channels() {
		batch := a.convo.DrainBatch(ch)
		if len(batch) == 0 {
			continue
		}
		a.submitExtraction(trace.Ensure(context.Background()), ch, batch)
	}
}

func (a *App) schedule() error {
	logger := cronLogger{slog.Default()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	if _, err := c.AddFunc(a.cfg.PurgeSchedule, a.purge); err != nil {
		return fmt.Errorf("schedule purge %q: %w", a.cfg.PurgeSchedule, err)
	}
	if _, err := c.AddFunc(a.cfg.SweepSchedule, a.sweep); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", a.cfg.SweepSchedule, err)
	}
	a.cron = c
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
