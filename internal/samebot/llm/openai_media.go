package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Embed implements Embedder.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "openai.embed"
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(p.cfg.EmbeddingModel),
		Dimensions: p.cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, p.classify(op, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, malformed(op, "response contained no embedding")
	}
	return resp.Data[0].Embedding, nil
}

// Generate implements ImageGenerator. With reference images it uses the
// edit endpoint on the first reference; otherwise a plain generation.
func (p *OpenAIProvider) Generate(ctx context.Context, req ImageRequest) ([]byte, error) {
	const op = "openai.image"
	size := imageSize(req.AspectRatio)
	quality := imageQuality(req.Resolution)

	var (
		resp openai.ImageResponse
		err  error
	)
	if len(req.ReferenceImages) > 0 {
		ref := req.ReferenceImages[0]
		resp, err = p.client.CreateEditImage(ctx, openai.ImageEditRequest{
			Image:   openai.WrapReader(bytes.NewReader(ref.Data), "reference"+imageExt(ref.MimeType), ref.MimeType),
			Prompt:  req.Prompt,
			Model:   p.cfg.ImageModel,
			N:       1,
			Size:    size,
			Quality: quality,
		})
	} else {
		resp, err = p.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:  req.Prompt,
			Model:   p.cfg.ImageModel,
			N:       1,
			Size:    size,
			Quality: quality,
		})
	}
	if err != nil {
		return nil, p.classify(op, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, malformed(op, "response contained no image data")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, malformed(op, "decode image: %v", err)
	}
	return data, nil
}

// imageSize maps an aspect ratio onto the sizes gpt-image-1 accepts.
func imageSize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9", "4:3", "3:2":
		return openai.CreateImageSize1536x1024
	case "9:16", "3:4", "2:3":
		return openai.CreateImageSize1024x1536
	default:
		return openai.CreateImageSize1024x1024
	}
}

func imageQuality(resolution string) string {
	switch strings.ToLower(resolution) {
	case "low", "medium", "high":
		return strings.ToLower(resolution)
	default:
		return ""
	}
}

func imageExt(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
