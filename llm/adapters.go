package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it will be inferred from the Model name.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "google", "gemini":
		return NewGoogleProvider(GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name patterns.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	if strings.HasPrefix(model, "gemini") || strings.HasPrefix(model, "imagen") {
		return "google"
	}
	if strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "chatgpt") {
		return "openai"
	}
	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}
	return ""
}

// classify turns a provider failure into a classified error. status is the
// HTTP status when the SDK exposed one, 0 otherwise.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	msg := provider + " request failed"

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rkerrors.Wrap(err, msg)
	}
	if status == 402 {
		return rkerrors.WrapWithCode(err, rkerrors.CodeQuotaExceeded, msg, rkerrors.WithRetryable(false))
	}
	if status != 0 {
		return rkerrors.FromHTTPStatus(status, msg, rkerrors.WithCause(err))
	}
	switch {
	case isBillingError(err):
		return rkerrors.WrapWithCode(err, rkerrors.CodeQuotaExceeded, msg, rkerrors.WithRetryable(false))
	case isRateLimitError(err):
		return rkerrors.WrapWithCode(err, rkerrors.CodeRateLimited, msg)
	case isServerError(err):
		return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, msg)
	}
	return rkerrors.Wrap(err, msg)
}

// emptyResponse is returned when a provider answered but produced nothing usable.
func emptyResponse(provider string) error {
	return rkerrors.New(rkerrors.CodeUnavailable,
		provider+" response did not contain usable text or image data")
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription")
}
