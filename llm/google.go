package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleProvider implements the Provider interface using the official Google
// Gemini SDK. Image-capable models may answer with inline image parts; the
// first one is returned as GenerateResponse.Media.
type GoogleProvider struct {
	client    *genai.Client
	modelName string
	maxTokens int
}

// GoogleConfig holds configuration for the Google provider.
type GoogleConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// NewGoogleProvider creates a new Google Gemini provider using the official SDK.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for google")
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleProvider{
		client:    client,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Close closes the underlying client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// model builds a per-request model handle; GenerativeModel carries
// request-scoped settings and is not safe to share.
func (p *GoogleProvider) model(req GenerateRequest) *genai.GenerativeModel {
	m := p.client.GenerativeModel(p.modelName)
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	m.SetMaxOutputTokens(int32(maxTokens))
	if req.System != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	return m
}

// Generate implements the Provider interface.
func (p *GoogleProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	parts := toGeminiParts(req.Parts)
	if len(parts) == 0 {
		return nil, fmt.Errorf("google: empty request")
	}

	resp, err := p.model(req).GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classify("google", googleStatus(err), err)
	}

	result := fromGeminiResponse(resp)
	result.Model = p.modelName
	if result.Empty() {
		return nil, emptyResponse("google")
	}
	return result, nil
}

func toGeminiParts(in []Part) []genai.Part {
	out := make([]genai.Part, 0, len(in))
	for _, part := range in {
		switch {
		case part.Inline != nil:
			out = append(out, genai.Blob{MIMEType: part.Inline.MimeType, Data: part.Inline.Data})
		case part.Text != "":
			out = append(out, genai.Text(part.Text))
		}
	}
	return out
}

// fromGeminiResponse concatenates text parts and keeps the first inline
// image.
func fromGeminiResponse(resp *genai.GenerateContentResponse) *GenerateResponse {
	result := &GenerateResponse{}
	if resp == nil {
		return result
	}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					result.Text += string(v)
				case genai.Blob:
					if result.Media == nil && len(v.Data) > 0 {
						result.Media = &InlineData{MimeType: v.MIMEType, Data: v.Data}
					}
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result
}

func googleStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
