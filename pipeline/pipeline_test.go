package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/ratelimit"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/state"
	"github.com/vinayprograms/replykit/tasks"
)

type fixture struct {
	p        *Pipeline
	social   *MockSocial
	images   *MockImages
	gen      *llm.MockProvider
	uploader *MockUploader
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T, maxRequests int) *fixture {
	t.Helper()
	limiter, err := ratelimit.New(state.NewMemoryStore(), ratelimit.Config{MaxRequests: maxRequests})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	f := &fixture{
		social:   NewMockSocial(),
		images:   NewMockImages(),
		gen:      llm.NewMockProvider(),
		uploader: &MockUploader{},
		limiter:  limiter,
	}
	f.p, err = New(Deps{
		Content:   f.social,
		Images:    f.images,
		Limiter:   limiter,
		Generator: f.gen,
		Uploader:  f.uploader,
		Media:     f.social,
		Publisher: f.social,
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestFetchNormalizesAndMapsPost(t *testing.T) {
	f := newFixture(t, 10)
	f.social.AddPost(&social.Post{
		ID:     "100",
		Text:   "@bot @alice make this pixel art https://t.co/abc123",
		Author: &social.User{ID: "u1", Name: "Alice", Username: "alice"},
		Media:  []social.Media{{Key: "3_1", Type: "photo", URL: "https://img/1.jpg", Width: 640}},
		Referenced: []social.ReferencedPost{
			{Type: "quoted", ID: "99", Text: "@carol sunset https://t.co/zzz", Media: []social.Media{{Key: "3_2", Type: "photo", URL: "https://img/2.png"}}},
		},
	})

	src, err := f.p.Fetch(context.Background(), "tok", "100")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.Text != "make this pixel art" {
		t.Errorf("Text = %q", src.Text)
	}
	if len(src.Media) != 1 || src.Media[0].Key != "3_1" || src.Media[0].Width != 640 {
		t.Errorf("Media = %+v", src.Media)
	}
	if len(src.Referenced) != 1 || src.Referenced[0].Text != "sunset" || src.Referenced[0].ID != "99" {
		t.Errorf("Referenced = %+v", src.Referenced)
	}
	if src.User == nil || src.User.Username != "alice" {
		t.Errorf("User = %+v", src.User)
	}
}

func TestFetchPropagatesError(t *testing.T) {
	f := newFixture(t, 10)
	upstream := rkerrors.Unavailable("social down")
	f.social.GetErrors = []error{upstream}

	_, err := f.p.Fetch(context.Background(), "tok", "100")
	if !errors.Is(err, upstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestCheckRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	user := &tasks.UserInfo{ID: "u1", Username: "alice"}

	for i := 0; i < 2; i++ {
		if err := f.p.CheckRateLimit(ctx, user); err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
	}

	err := f.p.CheckRateLimit(ctx, user)
	if err == nil {
		t.Fatal("third request should be denied")
	}
	if !rkerrors.Is(err, rkerrors.CodeRateLimited) {
		t.Errorf("code = %s, want RATE_LIMITED", rkerrors.CodeOf(err))
	}
	if rkerrors.IsRetryable(err) {
		t.Error("denial must not be retryable")
	}
	want := "user alice : u1 rate limit exceeded, remaining 0 requests"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestCheckRateLimitWithoutUser(t *testing.T) {
	f := newFixture(t, 2)
	for _, u := range []*tasks.UserInfo{nil, {Username: "x"}} {
		err := f.p.CheckRateLimit(context.Background(), u)
		if err == nil || err.Error() != "can not get user info" {
			t.Errorf("user %+v: err = %v", u, err)
		}
		if rkerrors.IsRetryable(err) {
			t.Error("missing user must not be retryable")
		}
	}
}

func TestBuildRequestLayout(t *testing.T) {
	f := newFixture(t, 10)
	f.images.Add("https://img/ref.png", "image/png", []byte("ref"))
	f.images.Add("https://img/main.jpg", "image/jpeg", []byte("main"))

	src := tasks.Source{
		Text:  "add a starry sky",
		Media: []tasks.Media{{Type: "photo", URL: "https://img/main.jpg"}, {Type: "video", URL: "https://img/v.mp4"}},
		Referenced: []tasks.Content{
			{Text: "ignored text", Media: []tasks.Media{{Type: "photo", URL: "https://img/ref.png"}}},
		},
	}
	req := f.p.BuildRequest(context.Background(), src)

	if req.System != DefaultSystemInstruction {
		t.Error("system instruction not set")
	}
	var layout []string
	for _, part := range req.Parts {
		if part.Inline != nil {
			layout = append(layout, "img:"+string(part.Inline.Data))
		} else {
			layout = append(layout, part.Text)
		}
	}
	want := []string{"<reference-tweets>", "img:ref", "</reference-tweets>", "<tweet>", "img:main", "add a starry sky", "</tweet>"}
	if strings.Join(layout, "|") != strings.Join(want, "|") {
		t.Errorf("layout = %v\nwant     %v", layout, want)
	}
}

func TestBuildRequestSkipsReferenceBlockAndFailedImages(t *testing.T) {
	f := newFixture(t, 10)
	f.images.Add("https://img/ok.jpg", "image/jpeg", []byte("ok"))

	src := tasks.Source{
		Text:  "draw a cat",
		Media: []tasks.Media{{Type: "photo", URL: "https://img/missing.jpg"}, {Type: "photo", URL: "https://img/ok.jpg"}},
	}
	req := f.p.BuildRequest(context.Background(), src)

	if len(req.Parts) != 4 {
		t.Fatalf("parts = %d, want 4: %+v", len(req.Parts), req.Parts)
	}
	if req.Parts[0].Text != "<tweet>" || req.Parts[1].Inline == nil || req.Parts[2].Text != "draw a cat" {
		t.Errorf("parts = %+v", req.Parts)
	}
}

func TestGenerateTextOnly(t *testing.T) {
	f := newFixture(t, 10)
	f.gen.SetResponse("  here you go  ")

	gen, err := f.p.Generate(context.Background(), "tok", tasks.Source{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "here you go" {
		t.Errorf("Text = %q", gen.Text)
	}
	if gen.MediaURL != "" || gen.MediaID != "" || gen.MediaIDs() != nil {
		t.Errorf("unexpected media: %+v", gen)
	}
	if f.uploader.Count() != 0 {
		t.Error("no upload expected")
	}
}

func TestGenerateWithImageUploadsBoth(t *testing.T) {
	f := newFixture(t, 10)
	f.gen.SetResponse("done")
	f.gen.SetImage("image/png", []byte("png"))

	gen, err := f.p.Generate(context.Background(), "tok", tasks.Source{Text: "draw"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.MediaURL == "" || gen.MediaID != "media-1" {
		t.Errorf("generation = %+v", gen)
	}
	if len(gen.ResultMedia()) != 1 {
		t.Errorf("ResultMedia = %v", gen.ResultMedia())
	}
}

func TestGenerateUploadFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, 10)
	f.gen.SetResponse("done")
	f.gen.SetImage("image/png", []byte("png"))
	f.uploader.Err = errors.New("bucket gone")
	f.social.UploadErrors = []error{errors.New("media endpoint down")}

	gen, err := f.p.Generate(context.Background(), "tok", tasks.Source{Text: "draw"})
	if err != nil {
		t.Fatalf("Generate should not fail on upload errors: %v", err)
	}
	if gen.Text != "done" || gen.MediaURL != "" || gen.MediaID != "" {
		t.Errorf("generation = %+v", gen)
	}
}

func TestGenerateProviderError(t *testing.T) {
	f := newFixture(t, 10)
	f.gen.SetError(rkerrors.New(rkerrors.CodeQuotaExceeded, "billing", rkerrors.WithRetryable(false)))

	_, err := f.p.Generate(context.Background(), "tok", tasks.Source{Text: "x"})
	if !rkerrors.Is(err, rkerrors.CodeQuotaExceeded) {
		t.Errorf("expected QUOTA_EXCEEDED, got %v", err)
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	f := newFixture(t, 10)
	f.gen.SetResponse("")

	_, err := f.p.Generate(context.Background(), "tok", tasks.Source{Text: "x"})
	if err == nil || !rkerrors.IsRetryable(err) {
		t.Errorf("expected retryable error for empty response, got %v", err)
	}
}

func TestPublishTruncatesAndAttachesMedia(t *testing.T) {
	f := newFixture(t, 10)
	long := strings.Repeat("é", 300)

	gen := &Generation{Text: long, MediaID: "m1"}
	id, err := f.p.Publish(context.Background(), "tok", "100", gen)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "reply-1" {
		t.Errorf("id = %q", id)
	}
	replies := f.social.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	r := replies[0]
	if utf8.RuneCountInString(r.Text) != DefaultMaxReplyLength || !strings.HasSuffix(r.Text, TruncationSuffix) {
		t.Errorf("reply text length = %d", utf8.RuneCountInString(r.Text))
	}
	if r.ContentID != "100" || len(r.MediaIDs) != 1 || r.MediaIDs[0] != "m1" {
		t.Errorf("reply = %+v", r)
	}
	if gen.Text != r.Text {
		t.Errorf("generation text %d runes, posted %d", utf8.RuneCountInString(gen.Text), utf8.RuneCountInString(r.Text))
	}
}

func TestPublishEmptyResponseID(t *testing.T) {
	f := newFixture(t, 10)
	f.social.NoResponseID = true

	id, err := f.p.Publish(context.Background(), "tok", "100", &Generation{Text: "hi"})
	if err != nil || id != "" {
		t.Errorf("Publish = %q, %v; want empty id and nil error", id, err)
	}
}

func TestTruncateReply(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 280, "short"},
		{"abcdef", 6, "abcdef"},
		{"abcdefg", 6, "abc..."},
		{"abcdefg", 2, "..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := TruncateReply(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateReply(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
