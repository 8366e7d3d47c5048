package pipeline

import (
	"context"
	"fmt"

	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/metrics"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/telemetry"
)

// Stage names, shared with stage policies, logs, metrics and spans.
const (
	StageCredentials = "credentials"
	StageFetch       = "fetch"
	StageRateLimit   = "ratelimit"
	StageGenerate    = "generate"
	StagePublish     = "publish"
)

// Stages lists the stages in execution order.
var Stages = []string{StageCredentials, StageFetch, StageRateLimit, StageGenerate, StagePublish}

// DefaultMaxReplyLength is the longest reply text published, in runes.
const DefaultMaxReplyLength = 280

// TruncationSuffix marks a shortened reply.
const TruncationSuffix = "..."

type ContentFetcher interface {
	GetContent(ctx context.Context, token, contentID string) (*social.Post, error)
}

type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (*llm.InlineData, error)
}

type RateLimiter interface {
	IsAllowed(ctx context.Context, userID string) (bool, error)
	Remaining(ctx context.Context, userID string) (int, error)
}

type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// Uploader stores generated media and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string) (string, error)
}

// MediaUploader registers media with the social API and returns its id.
type MediaUploader interface {
	UploadMedia(ctx context.Context, token string, data []byte, mimeType string) (string, error)
}

type Publisher interface {
	Reply(ctx context.Context, token, contentID, text string, mediaIDs []string) (string, error)
}

// Deps are the collaborators of a Pipeline. Uploader and MediaUploader are
// optional; without them generated images are dropped.
type Deps struct {
	Content   ContentFetcher
	Images    ImageFetcher
	Limiter   RateLimiter
	Generator Generator
	Uploader  Uploader
	Media     MediaUploader
	Publisher Publisher

	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Metrics *metrics.Metrics
}

// Config tunes prompt construction and reply shaping.
type Config struct {
	// SystemInstruction is sent with every generation request.
	SystemInstruction string `toml:"system_instruction"`

	// Provider and Model label generation spans.
	Provider string `toml:"-"`
	Model    string `toml:"-"`

	MaxTokens      int `toml:"max_tokens"`
	MaxReplyLength int `toml:"max_reply_length"`

	// ImageConcurrency bounds parallel image downloads per request.
	ImageConcurrency int `toml:"image_concurrency"`
}

func DefaultConfig() Config {
	return Config{
		SystemInstruction: DefaultSystemInstruction,
		MaxReplyLength:    DefaultMaxReplyLength,
		ImageConcurrency:  4,
	}
}

// Pipeline runs individual stages. It holds no per-task state and is safe
// for concurrent use.
type Pipeline struct {
	content   ContentFetcher
	images    ImageFetcher
	limiter   RateLimiter
	generator Generator
	uploader  Uploader
	media     MediaUploader
	publisher Publisher

	cfg     Config
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics
}

// New checks that the required collaborators are present.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Content == nil:
		return nil, fmt.Errorf("pipeline: content fetcher required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("pipeline: rate limiter required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("pipeline: generator required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("pipeline: publisher required")
	}

	def := DefaultConfig()
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = def.SystemInstruction
	}
	if cfg.MaxReplyLength <= 0 {
		cfg.MaxReplyLength = def.MaxReplyLength
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = def.ImageConcurrency
	}

	p := &Pipeline{
		content:   deps.Content,
		images:    deps.Images,
		limiter:   deps.Limiter,
		generator: deps.Generator,
		uploader:  deps.Uploader,
		media:     deps.Media,
		publisher: deps.Publisher,
		cfg:       cfg,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
	}
	if p.logger == nil {
		p.logger = logging.Nop()
	}
	p.logger = p.logger.WithComponent("pipeline")
	if p.tracer == nil {
		p.tracer = telemetry.GetTracer()
	}
	return p, nil
}
