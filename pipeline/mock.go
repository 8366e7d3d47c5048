package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/social"
)

// --- Mocks for Testing ---

// MockSocial is an in-memory social API: it serves posts, accepts media
// uploads and records replies.
type MockSocial struct {
	mu       sync.Mutex
	posts    map[string]*social.Post
	replies  []MockReply
	uploads  int
	gets     int
	replySeq int

	// Errors to return, consumed in order; nil entries mean success.
	GetErrors    []error
	ReplyErrors  []error
	UploadErrors []error

	// NoResponseID makes Reply succeed without an id.
	NoResponseID bool
}

// MockReply is one recorded reply.
type MockReply struct {
	Token     string
	ContentID string
	Text      string
	MediaIDs  []string
}

func NewMockSocial() *MockSocial {
	return &MockSocial{posts: make(map[string]*social.Post)}
}

func (m *MockSocial) AddPost(p *social.Post) {
	m.mu.Lock()
	m.posts[p.ID] = p
	m.mu.Unlock()
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MockSocial) GetContent(ctx context.Context, token, contentID string) (*social.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if err := pop(&m.GetErrors); err != nil {
		return nil, err
	}
	p, ok := m.posts[contentID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", contentID)
	}
	return p, nil
}

func (m *MockSocial) UploadMedia(ctx context.Context, token string, data []byte, mimeType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.UploadErrors); err != nil {
		return "", err
	}
	m.uploads++
	return fmt.Sprintf("media-%d", m.uploads), nil
}

func (m *MockSocial) Reply(ctx context.Context, token, contentID, text string, mediaIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.ReplyErrors); err != nil {
		return "", err
	}
	m.replies = append(m.replies, MockReply{Token: token, ContentID: contentID, Text: text, MediaIDs: mediaIDs})
	if m.NoResponseID {
		return "", nil
	}
	m.replySeq++
	return fmt.Sprintf("reply-%d", m.replySeq), nil
}

func (m *MockSocial) Replies() []MockReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockReply(nil), m.replies...)
}

func (m *MockSocial) GetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *MockSocial) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// MockImages serves image bytes by URL; unknown URLs fail.
type MockImages struct {
	mu     sync.Mutex
	images map[string]*llm.InlineData
}

func NewMockImages() *MockImages {
	return &MockImages{images: make(map[string]*llm.InlineData)}
}

func (m *MockImages) Add(url, mimeType string, data []byte) {
	m.mu.Lock()
	m.images[url] = &llm.InlineData{MimeType: mimeType, Data: data}
	m.mu.Unlock()
}

func (m *MockImages) FetchImage(ctx context.Context, url string) (*llm.InlineData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: 404", url)
	}
	return img, nil
}

// MockUploader records uploads and returns example.com URLs.
type MockUploader struct {
	mu      sync.Mutex
	uploads int
	Err     error
}

func (m *MockUploader) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.uploads++
	return fmt.Sprintf("https://media.example.com/generated-%d", m.uploads), nil
}

func (m *MockUploader) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
