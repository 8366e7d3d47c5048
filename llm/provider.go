// Package llm provides the generative content providers behind the generate
// stage: a multimodal prompt in, reply text and optionally an image out.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// InlineData is raw media carried inside a request or response.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is one piece of user content: text or inline media, never both.
type Part struct {
	Text   string      `json:"text,omitempty"`
	Inline *InlineData `json:"inline,omitempty"`
}

func TextPart(s string) Part { return Part{Text: s} }

func ImagePart(d *InlineData) Part { return Part{Inline: d} }

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	System    string `json:"system,omitempty"`
	Parts     []Part `json:"parts"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// HasImages reports whether any part carries media.
func (r GenerateRequest) HasImages() bool {
	for _, p := range r.Parts {
		if p.Inline != nil {
			return true
		}
	}
	return false
}

// GenerateResponse holds the generated reply. Media is set only by
// providers that can produce images.
type GenerateResponse struct {
	Text         string      `json:"text"`
	Media        *InlineData `json:"media,omitempty"`
	StopReason   string      `json:"stop_reason"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	Model        string      `json:"model"`
}

// Empty reports whether the response has neither text nor media.
func (r *GenerateResponse) Empty() bool {
	return r == nil || (r.Text == "" && r.Media == nil)
}

// Provider is the interface for generative providers.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ProviderConfig holds configuration for NewProvider.
type ProviderConfig struct {
	Provider  string `json:"provider" toml:"provider"` // google, openai, anthropic
	Model     string `json:"model" toml:"model"`
	APIKey    string `json:"api_key" toml:"-"`
	MaxTokens int    `json:"max_tokens" toml:"max_tokens"`
	BaseURL   string `json:"base_url" toml:"base_url"`
}

// Validate validates the configuration.
func (c *ProviderConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxTokens == 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// --- Mock Provider for Testing ---

// MockProvider is a mock provider for testing.
type MockProvider struct {
	mu          sync.Mutex
	text        string
	media       *InlineData
	err         error
	lastRequest *GenerateRequest
	callCount   int

	// GenerateFunc can be overridden for custom behavior
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) SetResponse(text string) {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
}

// SetImage makes every response carry the given image.
func (p *MockProvider) SetImage(mimeType string, data []byte) {
	p.mu.Lock()
	p.media = &InlineData{MimeType: mimeType, Data: data}
	p.mu.Unlock()
}

func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *MockProvider) LastRequest() *GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Generate implements the Provider interface.
func (p *MockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	p.mu.Lock()
	p.callCount++
	p.lastRequest = &req
	fn, text, media, err := p.GenerateFunc, p.text, p.media, p.err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{
		Text:       text,
		Media:      media,
		StopReason: "end_turn",
		Model:      "mock",
	}, nil
}
