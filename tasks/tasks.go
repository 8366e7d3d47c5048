package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreClosed   = errors.New("store closed")
	ErrInvalidStatus = errors.New("invalid status")
)

// Status is where a task is in the reply pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusGenerating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanStartRun reports whether an orchestration run may begin from s.
// Only fresh and previously failed tasks are picked up.
func (s Status) CanStartRun() bool {
	return s == StatusPending || s == StatusFailed
}

// IsTerminal reports whether a run has finished with s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Media is one attachment of a post.
type Media struct {
	Key        string `json:"media_key"`
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	PreviewURL string `json:"preview_image_url,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	AltText    string `json:"alt_text,omitempty"`
}

// UserInfo is the author snapshot taken when the source post is fetched.
type UserInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Content is a post referenced by the source (quoted or replied to).
type Content struct {
	ID    string  `json:"id,omitempty"`
	Text  string  `json:"text"`
	Media []Media `json:"media,omitempty"`
}

// Source is everything the fetch stage learns about the post being answered.
type Source struct {
	Text       string
	Media      []Media
	Referenced []Content
	User       *UserInfo
}

// Task is one mention moving through fetch, rate limit, generate and publish.
type Task struct {
	ID              string
	SourceContentID string
	MentionID       string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Attempts counts transitions into StatusFailed.
	Attempts     int
	ErrorMessage string

	SourceText        string
	SourceMedia       []Media
	ReferencedContent []Content
	SourceUser        *UserInfo

	ResultMedia []string
	ReplyText   string
	ResponseID  string
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.SourceMedia != nil {
		c.SourceMedia = append([]Media(nil), t.SourceMedia...)
	}
	if t.ReferencedContent != nil {
		c.ReferencedContent = make([]Content, len(t.ReferencedContent))
		for i, rc := range t.ReferencedContent {
			rc.Media = append([]Media(nil), rc.Media...)
			c.ReferencedContent[i] = rc
		}
	}
	if t.SourceUser != nil {
		u := *t.SourceUser
		c.SourceUser = &u
	}
	if t.ResultMedia != nil {
		c.ResultMedia = append([]string(nil), t.ResultMedia...)
	}
	return &c
}

// Store persists tasks. Lookups return (nil, nil) when nothing matches and
// updates on an unknown id are no-ops returning (nil, nil).
type Store interface {
	// Create inserts a pending task, or returns the existing one when
	// mentionID was seen before. It never creates a second row.
	Create(ctx context.Context, sourceContentID, mentionID string) (*Task, error)

	Get(ctx context.Context, id string) (*Task, error)
	GetByMentionID(ctx context.Context, mentionID string) (*Task, error)
	ListBySourceContent(ctx context.Context, sourceContentID string) ([]*Task, error)

	// UpdateStatus sets status and, when non-nil, the error message.
	// Moving to StatusFailed increments Attempts.
	UpdateStatus(ctx context.Context, id string, status Status, errorMessage *string) (*Task, error)

	UpdateSource(ctx context.Context, id string, src Source) (*Task, error)

	// UpdateResult records the published reply and marks the task completed.
	UpdateResult(ctx context.Context, id, replyText string, media []string, responseID string) (*Task, error)

	// ListPending returns pending tasks, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Task, error)

	// ListRecent returns tasks by most recent update.
	ListRecent(ctx context.Context, limit int) ([]*Task, error)

	Close() error
}
