package social

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// MediaCategory used for reply images.
const MediaCategory = "tweet_image"

type mediaInitResponse struct {
	Data struct {
		ID               string `json:"id"`
		ExpiresAfterSecs int    `json:"expires_after_secs"`
	} `json:"data"`
}

// UploadMedia uploads an image with the chunked INIT / APPEND / FINALIZE
// sequence and returns the media id to attach to a post. Images are small
// enough to go in a single APPEND segment.
func (c *Client) UploadMedia(ctx context.Context, token string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", rkerrors.InvalidInput("social api: empty media")
	}

	initQ := url.Values{}
	initQ.Set("command", "INIT")
	initQ.Set("total_bytes", strconv.Itoa(len(data)))
	initQ.Set("media_type", mimeType)
	initQ.Set("media_category", MediaCategory)

	var initResp mediaInitResponse
	if err := c.do(ctx, token, request{
		method:   http.MethodPost,
		path:     "/2/media/upload",
		query:    initQ,
		resource: ResourceMedia,
	}, &initResp); err != nil {
		return "", rkerrors.Wrap(err, "media INIT failed")
	}
	mediaID := initResp.Data.ID
	if mediaID == "" {
		return "", rkerrors.New(rkerrors.CodeUnavailable, "media INIT returned no id")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	form.WriteField("segment_index", "0")
	part, err := form.CreateFormFile("media", "media")
	if err != nil {
		return "", rkerrors.Wrap(err, "media APPEND: build form")
	}
	part.Write(data)
	if err := form.Close(); err != nil {
		return "", rkerrors.Wrap(err, "media APPEND: build form")
	}

	appendQ := url.Values{}
	appendQ.Set("command", "APPEND")
	appendQ.Set("media_id", mediaID)
	if err := c.do(ctx, token, request{
		method:      http.MethodPost,
		path:        "/2/media/upload",
		query:       appendQ,
		body:        &buf,
		contentType: form.FormDataContentType(),
		resource:    ResourceMedia,
	}, nil); err != nil {
		return "", rkerrors.Wrap(err, "media APPEND failed")
	}

	finQ := url.Values{}
	finQ.Set("command", "FINALIZE")
	finQ.Set("media_id", mediaID)
	if err := c.do(ctx, token, request{
		method:   http.MethodPost,
		path:     "/2/media/upload",
		query:    finQ,
		resource: ResourceMedia,
	}, nil); err != nil {
		return "", rkerrors.Wrap(err, "media FINALIZE failed")
	}

	c.logger.Debug("media_uploaded", map[string]interface{}{
		"media_id": mediaID,
		"bytes":    len(data),
	})
	return mediaID, nil
}
