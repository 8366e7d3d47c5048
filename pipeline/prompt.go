package pipeline

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// DefaultSystemInstruction frames every request.
const DefaultSystemInstruction = `You reply to a post on a social network that mentioned you.

The post is wrapped in <tweet> tags; any posts it quotes or replies to come
first inside <reference-tweets> tags and only provide context.

Decide from the wording of the post whether the author wants a new image
created (draw, generate, create, make) or an attached image changed
(modify, adjust, replace, add). When creating, turn abstract descriptions
into concrete visual elements and blend the common features of multiple
attached images. When editing, identify the target area, the kind of change
and its intensity, and keep the original composition unless asked otherwise.

Explicit text instructions take priority over what the images imply, which
takes priority over the referenced posts. Referenced posts may suggest
theme and style but their elements must not be copied.

Keep the written reply short enough for a single post.`

const (
	referenceOpen  = "<reference-tweets>"
	referenceClose = "</reference-tweets>"
	postOpen       = "<tweet>"
	postClose      = "</tweet>"
)

// BuildRequest assembles the generation request. Referenced posts
// contribute only their images; the source post contributes images and
// text. Images that cannot be fetched are skipped.
func (p *Pipeline) BuildRequest(ctx context.Context, src tasks.Source) llm.GenerateRequest {
	req := llm.GenerateRequest{
		System:    p.cfg.SystemInstruction,
		MaxTokens: p.cfg.MaxTokens,
	}

	if len(src.Referenced) > 0 {
		var refMedia []tasks.Media
		for _, ref := range src.Referenced {
			refMedia = append(refMedia, ref.Media...)
		}
		req.Parts = append(req.Parts, llm.TextPart(referenceOpen))
		req.Parts = append(req.Parts, p.imageParts(ctx, refMedia)...)
		req.Parts = append(req.Parts, llm.TextPart(referenceClose))
	}

	req.Parts = append(req.Parts, llm.TextPart(postOpen))
	req.Parts = append(req.Parts, p.imageParts(ctx, src.Media)...)
	if src.Text != "" {
		req.Parts = append(req.Parts, llm.TextPart(src.Text))
	}
	req.Parts = append(req.Parts, llm.TextPart(postClose))
	return req
}

// imageParts downloads the photos in media concurrently, preserving order.
func (p *Pipeline) imageParts(ctx context.Context, media []tasks.Media) []llm.Part {
	if p.images == nil {
		return nil
	}
	var urls []string
	for _, m := range media {
		if m.Type == "photo" && m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	if len(urls) == 0 {
		return nil
	}

	results := make([]*llm.InlineData, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ImageConcurrency)
	for i, url := range urls {
		g.Go(func() error {
			data, err := p.images.FetchImage(gctx, url)
			if err != nil {
				p.logger.Warn("image_fetch_failed", map[string]interface{}{
					"url":   url,
					"error": err.Error(),
				})
				return nil
			}
			results[i] = data
			return nil
		})
	}
	g.Wait()

	parts := make([]llm.Part, 0, len(results))
	for _, r := range results {
		if r != nil {
			parts = append(parts, llm.ImagePart(r))
		}
	}
	if len(parts) < len(urls) {
		p.logger.Warn("images_partially_fetched", map[string]interface{}{
			"fetched": len(parts),
			"wanted":  len(urls),
		})
	}
	return parts
}

// GenerateSpanOptions summarizes a request and response for tracing.
func GenerateSpanOptions(model string, req llm.GenerateRequest, resp *llm.GenerateResponse) telemetry.GenerateSpanOptions {
	opts := telemetry.GenerateSpanOptions{Model: model}
	var text []string
	for _, part := range req.Parts {
		if part.Inline != nil {
			opts.Images++
		} else {
			text = append(text, part.Text)
		}
	}
	opts.Prompt = strings.Join(text, "\n")
	if resp != nil {
		if resp.Model != "" {
			opts.Model = resp.Model
		}
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.HasMedia = resp.Media != nil
		opts.Response = resp.Text
	}
	return opts
}
