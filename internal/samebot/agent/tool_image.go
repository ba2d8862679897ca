package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/achimala/samebot-zero/internal/samebot/llm"
	"github.com/achimala/samebot-zero/internal/samebot/observability"
)

const (
	placeholderText = "🎨 working on it…"
	// maxReferenceImages caps how many images go to the generator.
	maxReferenceImages = 4
)

// ImageLimit is the per-channel image generation budget.
type ImageLimit struct {
	// Every is the refill interval; zero disables limiting.
	Every time.Duration
	Burst int
}

type imageTool struct {
	channel  Channel
	gen      llm.ImageGenerator
	resolver EntityResolver
	limit    ImageLimit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newImageTool(channel Channel, gen llm.ImageGenerator, resolver EntityResolver, limit ImageLimit) *imageTool {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &imageTool{
		channel:  channel,
		gen:      gen,
		resolver: resolver,
		limit:    limit,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *imageTool) Definition() Definition {
	return Definition{
		Name: "generate_image",
		Description: "Generate an image and post it to the channel. Known people and things named in the prompt " +
			"are drawn from their reference photos, and images already in the conversation are used as references.",
		Kind: DirectEffect,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "A detailed description of the image.",
				},
				"aspectRatio": map[string]any{
					"type": "string",
					"enum": []string{"1:1", "16:9", "9:16", "4:3", "3:4"},
				},
				"resolution": map[string]any{
					"type": "string",
					"enum": []string{"low", "medium", "high"},
				},
				"gif": map[string]any{
					"type":        "boolean",
					"description": "Request an animated GIF.",
				},
			},
			"required":             []string{"prompt"},
			"additionalProperties": false,
		},
	}
}

func (t *imageTool) Execute(ctx context.Context, turn *Turn, raw json.RawMessage) (string, error) {
	var args struct {
		Prompt      string `json:"prompt"`
		AspectRatio string `json:"aspectRatio"`
		Resolution  string `json:"resolution"`
		GIF         bool   `json:"gif"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if !t.allow(turn.ChannelID()) {
		return "", errors.New("image generation is rate limited in this channel; tell them to wait a bit")
	}

	log := observability.WithTrace(ctx)
	refs, subjects := t.references(ctx, turn, args.Prompt)

	placeholderID, err := t.channel.SendPlaceholderMessage(ctx, turn.ChannelID(), placeholderText)
	if err != nil {
		return "", fmt.Errorf("could not post placeholder: %w", err)
	}

	img, err := t.gen.Generate(ctx, llm.ImageRequest{
		Prompt:          args.Prompt,
		ReferenceImages: refs,
		AspectRatio:     args.AspectRatio,
		Resolution:      args.Resolution,
	})
	if err != nil {
		log.Warn("generate_image: generation failed", "err", err)
		if editErr := t.channel.EditMessage(ctx, turn.ChannelID(), placeholderID, "couldn't make that image, sorry"); editErr != nil {
			log.Warn("generate_image: could not update placeholder", "err", editErr)
		}
		return "", fmt.Errorf("image generation failed: %w", err)
	}

	mime := http.DetectContentType(img)
	if err := t.channel.EditMessageWithImage(ctx, turn.ChannelID(), placeholderID, img, mime); err != nil {
		log.Warn("generate_image: posting failed", "err", err)
		if editErr := t.channel.EditMessage(ctx, turn.ChannelID(), placeholderID, "couldn't post that image, sorry"); editErr != nil {
			log.Warn("generate_image: could not update placeholder", "err", editErr)
		}
		return "", fmt.Errorf("generated the image but could not post it: %w", err)
	}
	turn.DirectEffects++

	log.Info("generate_image: posted",
		"references", len(refs),
		"subjects", subjects,
		"bytes", len(img),
	)
	result := "image posted"
	if len(subjects) > 0 {
		result += fmt.Sprintf(" (used reference photos of %v)", subjects)
	}
	if args.GIF {
		// Frame assembly happens outside this service.
		result += "; animation isn't available here, so it was posted as a still image"
	}
	return result, nil
}

// references gathers subject photos first, then the most recent
// conversation images, up to maxReferenceImages.
func (t *imageTool) references(ctx context.Context, turn *Turn, prompt string) ([]llm.Image, []string) {
	var (
		refs     []llm.Image
		subjects []string
	)
	if t.resolver != nil {
		found, err := t.resolver.Resolve(ctx, prompt)
		if err != nil {
			observability.WithTrace(ctx).Warn("generate_image: entity resolution failed", "err", err)
		}
		for _, r := range found {
			subjects = append(subjects, r.Name)
			refs = append(refs, r.Images...)
		}
	}
	convo := turn.Context.Images()
	for i := len(convo) - 1; i >= 0 && len(refs) < maxReferenceImages; i-- {
		refs = append(refs, convo[i])
	}
	if len(refs) > maxReferenceImages {
		refs = refs[:maxReferenceImages]
	}
	return refs, subjects
}

func (t *imageTool) allow(channelID string) bool {
	if t.limit.Every <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.limit.Every), t.limit.Burst)
		t.limiters[channelID] = l
	}
	return l.Allow()
}
