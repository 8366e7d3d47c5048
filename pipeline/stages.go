package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/tasks"
)

// Generation is the output of the generate stage.
type Generation struct {
	Text string

	// MediaURL is the public URL of a generated image, if one was stored.
	MediaURL string

	// MediaID is the social API id of the uploaded image, if any.
	MediaID string
}

// MediaIDs returns the ids to attach to the reply.
func (g *Generation) MediaIDs() []string {
	if g == nil || g.MediaID == "" {
		return nil
	}
	return []string{g.MediaID}
}

// ResultMedia returns the URLs to record on the task.
func (g *Generation) ResultMedia() []string {
	if g == nil || g.MediaURL == "" {
		return nil
	}
	return []string{g.MediaURL}
}

// Fetch loads the source post and turns it into a task source: normalized
// text, attached media, referenced posts and the author.
func (p *Pipeline) Fetch(ctx context.Context, token, contentID string) (tasks.Source, error) {
	post, err := p.content.GetContent(ctx, token, contentID)
	if err != nil {
		return tasks.Source{}, err
	}
	if post == nil {
		return tasks.Source{}, rkerrors.NotFound("content " + contentID + " not found")
	}
	return SourceFromPost(post), nil
}

// SourceFromPost maps an API post onto the stored source record.
func SourceFromPost(post *social.Post) tasks.Source {
	src := tasks.Source{
		Text:  social.NormalizeText(post.Text),
		Media: convertMedia(post.Media),
	}
	for _, ref := range post.Referenced {
		src.Referenced = append(src.Referenced, tasks.Content{
			ID:    ref.ID,
			Text:  social.NormalizeText(ref.Text),
			Media: convertMedia(ref.Media),
		})
	}
	if post.Author != nil {
		src.User = &tasks.UserInfo{
			ID:       post.Author.ID,
			Name:     post.Author.Name,
			Username: post.Author.Username,
		}
	}
	return src
}

func convertMedia(in []social.Media) []tasks.Media {
	if len(in) == 0 {
		return nil
	}
	out := make([]tasks.Media, len(in))
	for i, m := range in {
		out[i] = tasks.Media{
			Key:        m.Key,
			Type:       m.Type,
			URL:        m.URL,
			PreviewURL: m.PreviewURL,
			Width:      m.Width,
			Height:     m.Height,
			AltText:    m.AltText,
		}
	}
	return out
}

// CheckRateLimit counts one request against the author's quota. A missing
// author and a denied request are both permanent for this run.
func (p *Pipeline) CheckRateLimit(ctx context.Context, user *tasks.UserInfo) error {
	if user == nil || user.ID == "" {
		return rkerrors.InvalidInput("can not get user info")
	}

	allowed, err := p.limiter.IsAllowed(ctx, user.ID)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	p.metrics.RateLimitDenied()
	remaining, err := p.limiter.Remaining(ctx, user.ID)
	if err != nil {
		remaining = 0
	}
	return rkerrors.New(rkerrors.CodeRateLimited,
		fmt.Sprintf("user %s : %s rate limit exceeded, remaining %d requests", user.Username, user.ID, remaining),
		rkerrors.WithRetryable(false),
		rkerrors.WithMetadata("user_id", user.ID))
}

// Generate builds the multimodal prompt from src, calls the generator and,
// when an image comes back, stores it and registers it with the social API.
// Image storage is best effort: a failed upload leaves a text-only reply.
func (p *Pipeline) Generate(ctx context.Context, token string, src tasks.Source) (*Generation, error) {
	req := p.BuildRequest(ctx, src)

	ctx, span := p.tracer.StartGenerateSpan(ctx, p.cfg.Provider)
	resp, err := p.generator.Generate(ctx, req)
	opts := GenerateSpanOptions(p.cfg.Model, req, resp)
	p.tracer.EndGenerateSpan(span, opts, err)
	if err != nil {
		return nil, err
	}
	if resp.Empty() {
		return nil, rkerrors.New(rkerrors.CodeUnavailable, "response did not contain usable text or image data")
	}

	gen := &Generation{Text: strings.TrimSpace(resp.Text)}
	if resp.Media != nil {
		p.storeMedia(ctx, token, resp.Media, gen)
	}
	return gen, nil
}

func (p *Pipeline) storeMedia(ctx context.Context, token string, media *llm.InlineData, gen *Generation) {
	if p.uploader != nil {
		url, err := p.uploader.Upload(ctx, media.Data, media.MimeType)
		if err != nil {
			p.logger.Warn("media_store_failed", map[string]interface{}{"error": err.Error()})
		} else {
			gen.MediaURL = url
		}
	}
	if p.media != nil {
		id, err := p.media.UploadMedia(ctx, token, media.Data, media.MimeType)
		if err != nil {
			p.logger.Warn("media_upload_failed", map[string]interface{}{"error": err.Error()})
		} else {
			gen.MediaID = id
		}
	}
	if gen.MediaURL == "" && gen.MediaID == "" {
		p.logger.Warn("generated_media_dropped", map[string]interface{}{
			"mime_type": media.MimeType,
			"bytes":     len(media.Data),
		})
	}
}

// Publish replies to contentID and returns the new post's id, which is
// empty if the API accepted the reply without returning one. gen.Text is
// cut to the text actually sent.
func (p *Pipeline) Publish(ctx context.Context, token, contentID string, gen *Generation) (string, error) {
	if gen == nil {
		return "", rkerrors.Internal("publish: nothing generated")
	}
	text := TruncateReply(gen.Text, p.cfg.MaxReplyLength)
	if text != gen.Text {
		p.logger.Warn("reply_truncated", map[string]interface{}{
			"content_id": contentID,
			"length":     utf8.RuneCountInString(gen.Text),
		})
		gen.Text = text
	}
	return p.publisher.Reply(ctx, token, contentID, text, gen.MediaIDs())
}

// TruncateReply shortens text to at most max runes, ending with
// TruncationSuffix when cut.
func TruncateReply(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	keep := max - utf8.RuneCountInString(TruncationSuffix)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return string(runes[:keep]) + TruncationSuffix
}
