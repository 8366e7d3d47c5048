package social

import (
	"context"
	"net/http"
	"net/url"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// Media is an attachment as the API describes it.
type Media struct {
	Key        string `json:"media_key"`
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	PreviewURL string `json:"preview_image_url,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	AltText    string `json:"alt_text,omitempty"`
}

// IsPhoto reports whether the media is a still image with a fetchable URL.
func (m Media) IsPhoto() bool {
	return m.Type == "photo" && m.URL != ""
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Post is a fetched post with its expansions resolved: author, attached
// media and the posts it quotes or replies to.
type Post struct {
	ID         string
	Text       string
	AuthorID   string
	Author     *User
	Media      []Media
	Referenced []ReferencedPost
}

// ReferencedPost is a quoted or replied-to post.
type ReferencedPost struct {
	Type  string // quoted, replied_to, retweeted
	ID    string
	Text  string
	Media []Media
}

type tweetData struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	AuthorID    string `json:"author_id"`
	Attachments *struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

func (t tweetData) mediaKeys() []string {
	if t.Attachments == nil {
		return nil
	}
	return t.Attachments.MediaKeys
}

type postResponse struct {
	Data     tweetData `json:"data"`
	Includes struct {
		Media  []Media     `json:"media"`
		Users  []User      `json:"users"`
		Tweets []tweetData `json:"tweets"`
	} `json:"includes"`
}

// GetContent fetches a post with author, media and referenced posts expanded.
func (c *Client) GetContent(ctx context.Context, token, contentID string) (*Post, error) {
	if contentID == "" {
		return nil, rkerrors.InvalidInput("social api: content id is required")
	}

	q := url.Values{}
	q.Set("tweet.fields", "attachments,author_id,created_at,referenced_tweets")
	q.Set("expansions", "attachments.media_keys,author_id,referenced_tweets.id.attachments.media_keys")
	q.Set("media.fields", "url,width,height,type,preview_image_url,alt_text")
	q.Set("user.fields", "id,name,username")

	var resp postResponse
	err := c.do(ctx, token, request{
		method:   http.MethodGet,
		path:     "/2/tweets/" + url.PathEscape(contentID),
		query:    q,
		resource: ResourceRead,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, rkerrors.NotFound("social api: post " + contentID + " not found")
	}
	return resp.toPost(), nil
}

func (r *postResponse) toPost() *Post {
	media := make(map[string]Media, len(r.Includes.Media))
	for _, m := range r.Includes.Media {
		media[m.Key] = m
	}
	pick := func(keys []string) []Media {
		var out []Media
		for _, k := range keys {
			if m, ok := media[k]; ok {
				out = append(out, m)
			}
		}
		return out
	}

	p := &Post{
		ID:       r.Data.ID,
		Text:     r.Data.Text,
		AuthorID: r.Data.AuthorID,
		Media:    pick(r.Data.mediaKeys()),
	}
	for i := range r.Includes.Users {
		if r.Includes.Users[i].ID == r.Data.AuthorID {
			u := r.Includes.Users[i]
			p.Author = &u
			break
		}
	}
	for _, ref := range r.Data.ReferencedTweets {
		for _, t := range r.Includes.Tweets {
			if t.ID != ref.ID {
				continue
			}
			p.Referenced = append(p.Referenced, ReferencedPost{
				Type:  ref.Type,
				ID:    t.ID,
				Text:  t.Text,
				Media: pick(t.mediaKeys()),
			})
			break
		}
	}
	return p
}

type createPostRequest struct {
	Text  string `json:"text"`
	Reply *struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	} `json:"reply,omitempty"`
	Media *struct {
		MediaIDs []string `json:"media_ids"`
	} `json:"media,omitempty"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Reply posts text as a reply to contentID and returns the new post's id.
// An empty id with a nil error means the API accepted the call without
// reporting an id; callers decide whether that counts as success.
func (c *Client) Reply(ctx context.Context, token, contentID, text string, mediaIDs []string) (string, error) {
	if contentID == "" {
		return "", rkerrors.InvalidInput("social api: reply target is required")
	}

	payload := createPostRequest{Text: text}
	payload.Reply = &struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	}{InReplyToTweetID: contentID}
	if len(mediaIDs) > 0 {
		payload.Media = &struct {
			MediaIDs []string `json:"media_ids"`
		}{MediaIDs: mediaIDs}
	}

	body, err := jsonBody(payload)
	if err != nil {
		return "", rkerrors.Wrap(err, "social api: encode reply")
	}

	var resp createPostResponse
	err = c.do(ctx, token, request{
		method:      http.MethodPost,
		path:        "/2/tweets",
		body:        body,
		contentType: "application/json",
		resource:    ResourceWrite,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}
