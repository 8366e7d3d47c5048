package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// =============================================================================
// Creation Tests
// =============================================================================

func TestAnthropicProvider_Creation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AnthropicConfig
		wantErr bool
	}{
		{"valid config", AnthropicConfig{APIKey: "test-key", Model: "claude-3-5-sonnet-20241022", MaxTokens: 1024}, false},
		{"missing api key", AnthropicConfig{Model: "claude-3-5-sonnet-20241022", MaxTokens: 1024}, true},
		{"missing model", AnthropicConfig{APIKey: "test-key", MaxTokens: 1024}, true},
		{"missing max_tokens", AnthropicConfig{APIKey: "test-key", Model: "claude-3-5-sonnet-20241022"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnthropicProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAnthropicProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIProvider_Creation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     OpenAIConfig
		wantErr bool
	}{
		{"valid config", OpenAIConfig{APIKey: "test-key", Model: "gpt-4o", MaxTokens: 1024}, false},
		{"custom base url", OpenAIConfig{APIKey: "test-key", BaseURL: "https://api.302.ai/v1", Model: "gpt-4o", MaxTokens: 1024}, false},
		{"missing api key", OpenAIConfig{Model: "gpt-4o", MaxTokens: 1024}, true},
		{"missing model", OpenAIConfig{APIKey: "test-key", MaxTokens: 1024}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenAIProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewOpenAIProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGoogleProvider_Creation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GoogleConfig
		wantErr bool
	}{
		{"valid config", GoogleConfig{APIKey: "test-key", Model: "gemini-2.0-flash-exp-image-generation", MaxTokens: 8192}, false},
		{"missing api key", GoogleConfig{Model: "gemini-2.0-flash-exp", MaxTokens: 8192}, true},
		{"missing model", GoogleConfig{APIKey: "test-key", MaxTokens: 8192}, true},
		{"missing max_tokens", GoogleConfig{APIKey: "test-key", Model: "gemini-2.0-flash-exp"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewGoogleProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGoogleProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if p != nil {
				p.Close()
			}
		})
	}
}

func TestNewProvider_Routing(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Model: "gpt-4o", APIKey: "k", MaxTokens: 100})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := p.(*OpenAIProvider); !ok {
		t.Errorf("expected *OpenAIProvider, got %T", p)
	}

	p, err = NewProvider(ProviderConfig{Model: "claude-3-5-haiku-latest", APIKey: "k", MaxTokens: 100})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Errorf("expected *AnthropicProvider, got %T", p)
	}

	if _, err := NewProvider(ProviderConfig{Model: "mystery-1", APIKey: "k", MaxTokens: 100}); err == nil {
		t.Error("expected error for unknown model")
	}
	if _, err := NewProvider(ProviderConfig{Provider: "cohere", Model: "x", APIKey: "k", MaxTokens: 100}); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestInferProviderFromModel(t *testing.T) {
	tests := map[string]string{
		"gemini-2.0-flash-exp-image-generation": "google",
		"gpt-4o":                                "openai",
		"o3-mini":                               "openai",
		"claude-sonnet-4":                       "anthropic",
		"llama-3":                               "",
	}
	for model, want := range tests {
		if got := InferProviderFromModel(model); got != want {
			t.Errorf("InferProviderFromModel(%q) = %q, want %q", model, got, want)
		}
	}
}

// =============================================================================
// Mock Server Tests
// =============================================================================

func TestOpenAIProvider_MockServer(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "a cat in a hat"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "gpt-4o", MaxTokens: 256})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	resp, err := p.Generate(context.Background(), GenerateRequest{
		System: "be brief",
		Parts: []Part{
			ImagePart(&InlineData{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}),
			TextPart("describe this"),
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "a cat in a hat" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	messages, _ := body["messages"].([]interface{})
	if len(messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(messages))
	}
	raw, _ := json.Marshal(messages[1])
	if !strings.Contains(string(raw), "data:image/png;base64,") {
		t.Errorf("image not sent as data url: %s", raw)
	}
}

func TestOpenAIProvider_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      rkerrors.Code
		retryable bool
	}{
		{http.StatusTooManyRequests, rkerrors.CodeRateLimited, true},
		{http.StatusServiceUnavailable, rkerrors.CodeUnavailable, true},
		{http.StatusUnauthorized, rkerrors.CodeUnauthorized, false},
		{http.StatusBadRequest, rkerrors.CodeInvalidInput, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": {"message": "nope", "type": "test"}}`))
			}))
			defer server.Close()

			p, _ := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "gpt-4o", MaxTokens: 16})
			_, err := p.Generate(context.Background(), GenerateRequest{Parts: []Part{TextPart("hi")}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := rkerrors.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s (err: %v)", got, tt.code, err)
			}
			if got := rkerrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestAnthropicProvider_MockServer(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "sunset over the bay"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 30, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: server.URL, Model: "claude-3-5-haiku-latest", MaxTokens: 256})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	resp, err := p.Generate(context.Background(), GenerateRequest{
		System: "be brief",
		Parts: []Part{
			ImagePart(&InlineData{MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}}),
			TextPart("what is this"),
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "sunset over the bay" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}

	raw, _ := json.Marshal(body["messages"])
	if !strings.Contains(string(raw), `"type":"image"`) || !strings.Contains(string(raw), "image/jpeg") {
		t.Errorf("image block missing: %s", raw)
	}
}

func TestFromGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{
				Role: "model",
				Parts: []genai.Part{
					genai.Text("here you go "),
					genai.Blob{MIMEType: "image/png", Data: []byte("png-1")},
					genai.Text("enjoy"),
					genai.Blob{MIMEType: "image/png", Data: []byte("png-2")},
				},
			},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3},
	}

	got := fromGeminiResponse(resp)
	if got.Text != "here you go enjoy" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Media == nil || string(got.Media.Data) != "png-1" {
		t.Errorf("expected first image, got %+v", got.Media)
	}
	if got.InputTokens != 7 || got.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestToGeminiParts(t *testing.T) {
	parts := toGeminiParts([]Part{
		TextPart("<tweet>"),
		ImagePart(&InlineData{MimeType: "image/webp", Data: []byte("x")}),
		{},
		TextPart("</tweet>"),
	})
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts (empty dropped), got %d", len(parts))
	}
	blob, ok := parts[1].(genai.Blob)
	if !ok || blob.MIMEType != "image/webp" {
		t.Errorf("expected webp blob, got %#v", parts[1])
	}
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		errMsg string
		want   bool
	}{
		{"rate limit exceeded", true},
		{"too many requests", true},
		{"error: 429", true},
		{"RESOURCE_EXHAUSTED", true},
		{"server overloaded", true},
		{"internal server error", false},
		{"invalid api key", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.errMsg, func(t *testing.T) {
			var err error
			if tt.errMsg != "" {
				err = &testError{msg: tt.errMsg}
			}
			if got := isRateLimitError(err); got != tt.want {
				t.Errorf("isRateLimitError(%q) = %v, want %v", tt.errMsg, got, tt.want)
			}
		})
	}
}

func TestIsServerError(t *testing.T) {
	tests := []struct {
		errMsg string
		want   bool
	}{
		{"internal server error", true},
		{"bad gateway", true},
		{"service unavailable", true},
		{"error: 503", true},
		{"temporarily unavailable", true},
		{"rate limit exceeded", false},
		{"invalid api key", false},
	}

	for _, tt := range tests {
		t.Run(tt.errMsg, func(t *testing.T) {
			if got := isServerError(&testError{msg: tt.errMsg}); got != tt.want {
				t.Errorf("isServerError(%q) = %v, want %v", tt.errMsg, got, tt.want)
			}
		})
	}
}

func TestIsBillingError(t *testing.T) {
	tests := []struct {
		errMsg string
		want   bool
	}{
		{"billing issue", true},
		{"payment required", true},
		{"insufficient credits", true},
		{"quota exceeded", true},
		{"error: 402", true},
		{"rate limit exceeded", false},
		{"internal server error", false},
	}

	for _, tt := range tests {
		t.Run(tt.errMsg, func(t *testing.T) {
			if got := isBillingError(&testError{msg: tt.errMsg}); got != tt.want {
				t.Errorf("isBillingError(%q) = %v, want %v", tt.errMsg, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		code      rkerrors.Code
		retryable bool
	}{
		{"billing", 0, &testError{"billing issue"}, rkerrors.CodeQuotaExceeded, false},
		{"rate limit text", 0, &testError{"rate limit exceeded"}, rkerrors.CodeRateLimited, true},
		{"server text", 0, &testError{"503 service unavailable"}, rkerrors.CodeUnavailable, true},
		{"status wins", 404, &testError{"no such model"}, rkerrors.CodeNotFound, false},
		{"deadline", 0, context.DeadlineExceeded, rkerrors.CodeTimeout, true},
		{"unknown", 0, &testError{"boom"}, rkerrors.CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test", tt.status, tt.err)
			if got := rkerrors.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
			if got := rkerrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// Helper type for testing error classification
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
