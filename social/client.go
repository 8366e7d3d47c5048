package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/ratelimit"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.twitter.com"

// Throttle resources. Configure them on the Throttle passed in Config;
// unconfigured resources are not throttled.
const (
	ResourceRead  = "social.read"
	ResourceWrite = "social.write"
	ResourceMedia = "social.media"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client

	// Throttle smooths outgoing calls per resource. Optional.
	Throttle *ratelimit.Throttle

	// MaxMentionPages caps pagination in ListMentionsSince. Default: 5.
	MaxMentionPages int

	Logger *logging.Logger
}

// Client talks to the social API on behalf of the bot account. Every call
// takes the bearer token explicitly so refreshed tokens apply immediately.
type Client struct {
	baseURL  string
	http     *http.Client
	throttle *ratelimit.Throttle
	maxPages int
	logger   *logging.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.MaxMentionPages <= 0 {
		cfg.MaxMentionPages = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     cfg.HTTPClient,
		throttle: cfg.Throttle,
		maxPages: cfg.MaxMentionPages,
		logger:   cfg.Logger.WithComponent("social"),
	}
}

// request is one API call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	resource    string
}

func (c *Client) wait(ctx context.Context, resource string) error {
	if c.throttle == nil || resource == "" {
		return nil
	}
	if err := c.throttle.Wait(ctx, resource); err != nil {
		return rkerrors.Wrap(err, "throttle "+resource)
	}
	return nil
}

// do sends req and decodes a JSON body into out (which may be nil).
// Non-2xx responses become classified errors via FromHTTPStatus.
func (c *Client) do(ctx context.Context, token string, req request, out interface{}) error {
	if token == "" {
		return rkerrors.Unauthorized("social api: missing access token")
	}
	if err := c.wait(ctx, req.resource); err != nil {
		return err
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, req.body)
	if err != nil {
		return rkerrors.Wrap(err, "social api: build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return rkerrors.Wrap(err, fmt.Sprintf("social api: %s %s", req.method, req.path))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return rkerrors.Wrap(err, "social api: read response")
	}

	c.logger.Debug("api_call", map[string]interface{}{
		"method":   req.method,
		"path":     req.path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rkerrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("API request failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			rkerrors.WithMetadata("path", req.path),
			rkerrors.WithMetadata("body", snippet(body)),
		)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "social api: decode response")
	}
	return nil
}

func jsonBody(v interface{}) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func snippet(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
