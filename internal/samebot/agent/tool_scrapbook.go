package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/achimala/samebot-zero/internal/samebot/scrapbook"
)

const scrapbookSearchLimit = 5

// scrapbookTools groups the four scrapbook tools over one set of
// dependencies.
type scrapbookTools struct {
	book    Scrapbook
	channel Channel
	tracker ScrapbookTracker
}

// post sends text to the channel and remembers m as the channel's last
// shown entry.
func (s *scrapbookTools) post(ctx context.Context, turn *Turn, m scrapbook.Memory, text string) error {
	if _, err := s.channel.SendMessage(ctx, turn.ChannelID(), text); err != nil {
		return fmt.Errorf("could not post to the channel: %w", err)
	}
	turn.DirectEffects++
	turn.Context.LastScrapbookMemoryID = m.ID
	if s.tracker != nil {
		s.tracker.SetLastScrapbookMemory(turn.ChannelID(), m.ID)
	}
	return nil
}

func noArgs() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

type getScrapbookMemoryTool struct{ *scrapbookTools }

func (t getScrapbookMemoryTool) Definition() Definition {
	return Definition{
		Name:        "get_scrapbook_memory",
		Description: "Post a random saved quote from this channel's scrapbook.",
		Kind:        DirectEffect,
		Parameters:  noArgs(),
	}
}

func (t getScrapbookMemoryTool) Execute(ctx context.Context, turn *Turn, _ json.RawMessage) (string, error) {
	m, err := t.book.Random(ctx, turn.ChannelID())
	if errors.Is(err, scrapbook.ErrNotFound) {
		return "the scrapbook is empty", nil
	}
	if err != nil {
		return "", err
	}
	if err := t.post(ctx, turn, m, scrapbook.FormatEntry(m)); err != nil {
		return "", err
	}
	return fmt.Sprintf("posted a scrapbook quote from %s: %q", m.Author, m.KeyMessage), nil
}

type searchScrapbookTool struct{ *scrapbookTools }

func (t searchScrapbookTool) Definition() Definition {
	return Definition{
		Name:        "search_scrapbook",
		Description: "Find a saved quote in this channel's scrapbook by words it contains or its surrounding conversation, and post the best match.",
		Kind:        DirectEffect,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	}
}

func (t searchScrapbookTool) Execute(ctx context.Context, turn *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	hits, err := t.book.Search(ctx, turn.ChannelID(), args.Query, scrapbookSearchLimit)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return fmt.Sprintf("nothing in the scrapbook matches %q", args.Query), nil
	}
	best := hits[0]
	if err := t.post(ctx, turn, best, scrapbook.FormatEntry(best)); err != nil {
		return "", err
	}
	result := fmt.Sprintf("posted the best match, from %s: %q", best.Author, best.KeyMessage)
	if n := len(hits) - 1; n > 0 {
		result += fmt.Sprintf(" (%d other match(es) not shown)", n)
	}
	return result, nil
}

type getScrapbookContextTool struct{ *scrapbookTools }

func (t getScrapbookContextTool) Definition() Definition {
	return Definition{
		Name: "get_scrapbook_context",
		Description: "Post the conversation around a scrapbook quote. Give the exact quote, " +
			"or leave it out to use the one most recently shown here.",
		Kind: DirectEffect,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"quote": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
	}
}

func (t getScrapbookContextTool) Execute(ctx context.Context, turn *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		Quote string `json:"quote"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}

	var (
		m   scrapbook.Memory
		err error
	)
	switch {
	case scrapbook.NormalizeQuote(args.Quote) != "":
		m, err = t.book.FindByQuote(ctx, args.Quote)
	case turn.Context.LastScrapbookMemoryID != "":
		m, err = t.book.GetContext(ctx, turn.Context.LastScrapbookMemoryID)
	default:
		return "", errors.New("no quote given and no scrapbook entry has been shown here yet")
	}
	if errors.Is(err, scrapbook.ErrNotFound) {
		return "", errors.New("no scrapbook entry matches that quote")
	}
	if err != nil {
		return "", err
	}
	if err := t.post(ctx, turn, m, scrapbook.FormatContext(m)); err != nil {
		return "", err
	}
	return fmt.Sprintf("posted %d lines of context around %q", len(m.Context), m.KeyMessage), nil
}

type deleteScrapbookMemoryTool struct{ *scrapbookTools }

func (t deleteScrapbookMemoryTool) Definition() Definition {
	return Definition{
		Name:        "delete_scrapbook_memory",
		Description: "Permanently delete a scrapbook entry. Give the exact quote.",
		Kind:        Narrated,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"quote": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []string{"quote"},
			"additionalProperties": false,
		},
	}
}

func (t deleteScrapbookMemoryTool) Execute(ctx context.Context, _ *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		Quote string `json:"quote"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	m, err := t.book.DeleteByQuote(ctx, args.Quote)
	if errors.Is(err, scrapbook.ErrNotFound) {
		return "", errors.New("no scrapbook entry matches that quote exactly")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted the scrapbook entry %q from %s", m.KeyMessage, m.Author), nil
}
