package social

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/llm"
)

// MaxImageBytes bounds a single fetched image.
const MaxImageBytes = 10 << 20

// ImageFetcher downloads media attachments so they can be passed inline to
// a generative provider. Media URLs are public; no token is sent.
type ImageFetcher struct {
	HTTPClient *http.Client
}

func NewImageFetcher(client *http.Client) *ImageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ImageFetcher{HTTPClient: client}
}

// FetchImage downloads url and determines its mime type from Content-Type,
// falling back to the file extension and finally image/jpeg.
func (f *ImageFetcher) FetchImage(ctx context.Context, url string) (*llm.InlineData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rkerrors.InvalidInput("image url: " + err.Error())
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, rkerrors.Wrap(err, "fetch image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rkerrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("fetch image: status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, rkerrors.Wrap(err, "read image")
	}
	if len(data) > MaxImageBytes {
		return nil, rkerrors.InvalidInput(fmt.Sprintf("image exceeds %d bytes", MaxImageBytes))
	}

	return &llm.InlineData{
		MimeType: imageMimeType(resp.Header.Get("Content-Type"), url),
		Data:     data,
	}, nil
}

func imageMimeType(contentType, rawURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	switch strings.ToLower(path.Ext(rawURL)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return "image/jpeg"
}
