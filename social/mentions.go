package social

import (
	"context"
	"net/http"
	"net/url"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// Mention is one post that mentions the bot account.
type Mention struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	AuthorID string `json:"author_id,omitempty"`
}

// MentionPage is the result of ListMentionsSince. NewestID is the feed's own
// newest id; callers that need ordering must not assume Mentions is sorted.
// Truncated is set when the page cap stopped pagination early.
type MentionPage struct {
	Mentions  []Mention
	NewestID  string
	OldestID  string
	Truncated bool
}

type mentionsResponse struct {
	Data []Mention `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// ListMentionsSince returns mentions of userID newer than cursor. An empty
// cursor fetches whatever the API returns by default. Pagination is followed
// up to the configured page cap.
func (c *Client) ListMentionsSince(ctx context.Context, token, userID, cursor string) (*MentionPage, error) {
	if userID == "" {
		return nil, rkerrors.InvalidInput("social api: user id is required")
	}

	page := &MentionPage{}
	next := ""
	for i := 0; i < c.maxPages; i++ {
		q := url.Values{}
		q.Set("tweet.fields", "author_id,created_at")
		if cursor != "" {
			q.Set("since_id", cursor)
		}
		if next != "" {
			q.Set("pagination_token", next)
		}

		var resp mentionsResponse
		err := c.do(ctx, token, request{
			method:   http.MethodGet,
			path:     "/2/users/" + url.PathEscape(userID) + "/mentions",
			query:    q,
			resource: ResourceRead,
		}, &resp)
		if err != nil {
			return nil, err
		}

		page.Mentions = append(page.Mentions, resp.Data...)
		if page.NewestID == "" {
			page.NewestID = resp.Meta.NewestID
		}
		if resp.Meta.OldestID != "" {
			page.OldestID = resp.Meta.OldestID
		}

		next = resp.Meta.NextToken
		if next == "" {
			break
		}
	}
	if next != "" {
		page.Truncated = true
		c.logger.Warn("mention_pagination_truncated", map[string]interface{}{
			"pages":   c.maxPages,
			"fetched": len(page.Mentions),
		})
	}
	return page, nil
}
