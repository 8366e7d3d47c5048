package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/replykit/credentials"
	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/pipeline"
	"github.com/vinayprograms/replykit/ratelimit"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/state"
	"github.com/vinayprograms/replykit/tasks"
)

type harness struct {
	o       *Orchestrator
	store   *tasks.SQLiteStore
	social  *pipeline.MockSocial
	gen     *llm.MockProvider
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	sleeps []time.Duration
}

type harnessConfig struct {
	maxRequests int
	creds       credentials.Provider
	stages      Stages
	policies    Policies
	store       tasks.Store
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	store, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if hc.maxRequests == 0 {
		hc.maxRequests = 100
	}
	limiter, err := ratelimit.New(state.NewMemoryStore(), ratelimit.Config{MaxRequests: hc.maxRequests})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	h := &harness{store: store, social: pipeline.NewMockSocial(), gen: llm.NewMockProvider(), limiter: limiter}
	h.gen.SetResponse("a reply")
	h.social.AddPost(&social.Post{
		ID:     "src-1",
		Text:   "@bot draw a cat",
		Author: &social.User{ID: "u1", Name: "Alice", Username: "alice"},
	})

	stages := hc.stages
	if stages == nil {
		p, err := pipeline.New(pipeline.Deps{
			Content:   h.social,
			Limiter:   limiter,
			Generator: h.gen,
			Media:     h.social,
			Publisher: h.social,
		}, pipeline.Config{})
		if err != nil {
			t.Fatalf("pipeline.New: %v", err)
		}
		stages = p
	}
	creds := hc.creds
	if creds == nil {
		creds = credentials.Static{Creds: &credentials.Credentials{AccessToken: "tok", UserID: "bot"}}
	}
	var ts tasks.Store = store
	if hc.store != nil {
		ts = hc.store
	}

	h.o, err = New(Deps{Store: ts, Credentials: creds, Stages: stages, Policies: hc.policies})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) createTask(t *testing.T, mentionID string) *tasks.Task {
	t.Helper()
	task, err := h.store.Create(context.Background(), "src-1", mentionID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func (h *harness) reload(t *testing.T, id string) *tasks.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("Get(%s) = %v, %v", id, task, err)
	}
	return task
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// stubStages lets a test script each stage.
type stubStages struct {
	fetch     func(ctx context.Context) (tasks.Source, error)
	rateLimit func(ctx context.Context, user *tasks.UserInfo) error
	generate  func(ctx context.Context) (*pipeline.Generation, error)
	publish   func(ctx context.Context) (string, error)
}

func (s *stubStages) Fetch(ctx context.Context, token, contentID string) (tasks.Source, error) {
	if s.fetch != nil {
		return s.fetch(ctx)
	}
	return tasks.Source{Text: "hi", User: &tasks.UserInfo{ID: "u1", Username: "alice"}}, nil
}

func (s *stubStages) CheckRateLimit(ctx context.Context, user *tasks.UserInfo) error {
	if s.rateLimit != nil {
		return s.rateLimit(ctx, user)
	}
	return nil
}

func (s *stubStages) Generate(ctx context.Context, token string, src tasks.Source) (*pipeline.Generation, error) {
	if s.generate != nil {
		return s.generate(ctx)
	}
	return &pipeline.Generation{Text: "ok"}, nil
}

func (s *stubStages) Publish(ctx context.Context, token, contentID string, gen *pipeline.Generation) (string, error) {
	if s.publish != nil {
		return s.publish(ctx)
	}
	return "reply-1", nil
}

func TestRunFullSuccess(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.gen.SetImage("image/png", []byte("png"))
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}

	got := h.reload(t, task.ID)
	if got.Status != tasks.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.ResponseID != "reply-1" || got.ReplyText != "a reply" {
		t.Errorf("result = %q / %q", got.ResponseID, got.ReplyText)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.SourceText != "draw a cat" || got.SourceUser == nil || got.SourceUser.ID != "u1" {
		t.Errorf("source = %q %+v", got.SourceText, got.SourceUser)
	}

	replies := h.social.Replies()
	if len(replies) != 1 || replies[0].ContentID != "src-1" || len(replies[0].MediaIDs) != 1 {
		t.Errorf("replies = %+v", replies)
	}
}

func TestRunNotFound(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	outcome, err := h.o.Run(context.Background(), "missing")
	if outcome != "" {
		t.Errorf("outcome = %s, want none", outcome)
	}
	if !rkerrors.Is(err, rkerrors.CodeNotFound) || rkerrors.IsRetryable(err) {
		t.Errorf("expected non-retryable NOT_FOUND, got %v", err)
	}
	if h.social.GetCount() != 0 {
		t.Error("no external calls expected")
	}
}

func TestRunEntryGuardSkips(t *testing.T) {
	for _, status := range []tasks.Status{tasks.StatusProcessing, tasks.StatusGenerating, tasks.StatusCompleted} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, harnessConfig{})
			task := h.createTask(t, "m-"+status.String())
			before, err := h.store.UpdateStatus(context.Background(), task.ID, status, nil)
			if err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			outcome, err := h.o.Run(context.Background(), task.ID)
			if err != nil || outcome != OutcomeSkipped {
				t.Fatalf("Run = %s, %v; want skipped", outcome, err)
			}

			after := h.reload(t, task.ID)
			if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != status {
				t.Errorf("task was written: %+v", after)
			}
			if h.social.GetCount() != 0 || h.gen.CallCount() != 0 || len(h.social.Replies()) != 0 {
				t.Error("skipped run made external calls")
			}
		})
	}
}

func TestRunFetchFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.social.GetErrors = []error{rkerrors.NotFound("post deleted")}
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}

	got := h.reload(t, task.ID)
	if got.Status != tasks.StatusFailed || got.Attempts != 1 {
		t.Errorf("status = %s attempts = %d", got.Status, got.Attempts)
	}
	if got.ErrorMessage != "failed to get source content: post deleted" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if h.gen.CallCount() != 0 || len(h.social.Replies()) != 0 {
		t.Error("generation or publish ran after fetch failure")
	}
	if h.social.GetCount() != 1 {
		t.Errorf("non-retryable fetch called %d times", h.social.GetCount())
	}
}

func TestRunRateLimitFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{maxRequests: 1})
	if ok, _ := h.limiter.IsAllowed(context.Background(), "u1"); !ok {
		t.Fatal("priming request denied")
	}
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}

	got := h.reload(t, task.ID)
	want := "user alice : u1 rate limit exceeded, remaining 0 requests"
	if got.ErrorMessage != want {
		t.Errorf("error message = %q, want %q", got.ErrorMessage, want)
	}
	if h.gen.CallCount() != 0 {
		t.Error("generation ran after rate limit denial")
	}
	if len(h.recordedSleeps()) != 0 {
		t.Error("rate limit denial was retried")
	}
}

func TestRunRetriesTransientFetch(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.social.GetErrors = []error{rkerrors.Unavailable("503"), rkerrors.Unavailable("503")}
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}
	if h.social.GetCount() != 3 {
		t.Errorf("fetch calls = %d, want 3", h.social.GetCount())
	}
	sleeps := h.recordedSleeps()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Second || sleeps[1] != 20*time.Second {
		t.Errorf("backoff = %v, want [10s 20s]", sleeps)
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.social.GetErrors = []error{rkerrors.Unavailable("a"), rkerrors.Unavailable("b"), rkerrors.Unavailable("c")}
	task := h.createTask(t, "m-1")

	outcome, _ := h.o.Run(context.Background(), task.ID)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if h.social.GetCount() != 3 {
		t.Errorf("fetch calls = %d, want 1 + 2 retries", h.social.GetCount())
	}
	got := h.reload(t, task.ID)
	if got.ErrorMessage != "failed to get source content: c" || got.Attempts != 1 {
		t.Errorf("task = %q attempts %d", got.ErrorMessage, got.Attempts)
	}
}

func TestRunCustomPolicyNoRetries(t *testing.T) {
	h := newHarness(t, harnessConfig{policies: Policies{
		pipeline.StageFetch: {MaxRetries: 0, Timeout: time.Second},
	}})
	h.social.GetErrors = []error{rkerrors.Unavailable("down")}
	task := h.createTask(t, "m-1")

	h.o.Run(context.Background(), task.ID)
	if h.social.GetCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", h.social.GetCount())
	}
}

func TestRunStageTimeout(t *testing.T) {
	stages := &stubStages{
		generate: func(ctx context.Context) (*pipeline.Generation, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, harnessConfig{stages: stages, policies: Policies{
		pipeline.StageGenerate: {MaxRetries: 1, Timeout: 20 * time.Millisecond},
	}})
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}
	got := h.reload(t, task.ID)
	if !strings.HasPrefix(got.ErrorMessage, "failed to generate content: generate timed out after 20ms") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if len(h.recordedSleeps()) != 1 {
		t.Errorf("timeouts should be retried once, sleeps = %v", h.recordedSleeps())
	}
}

func TestRunPanicInStageMarksFailed(t *testing.T) {
	stages := &stubStages{
		publish: func(ctx context.Context) (string, error) {
			panic("nil map write")
		},
	}
	h := newHarness(t, harnessConfig{stages: stages})
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}
	got := h.reload(t, task.ID)
	if got.ErrorMessage != "failed to publish reply: nil map write" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if len(h.recordedSleeps()) != 0 {
		t.Error("panic was retried")
	}
}

func TestRunMissingResponseID(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.social.NoResponseID = true
	task := h.createTask(t, "m-1")

	outcome, _ := h.o.Run(context.Background(), task.ID)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", outcome)
	}
	got := h.reload(t, task.ID)
	if got.ErrorMessage != MsgNoResponseID || got.ResponseID != "" {
		t.Errorf("task = %q / %q", got.ErrorMessage, got.ResponseID)
	}
}

func TestRunPublishFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.social.ReplyErrors = []error{rkerrors.New(rkerrors.CodeForbidden, "duplicate content")}
	task := h.createTask(t, "m-1")

	h.o.Run(context.Background(), task.ID)
	got := h.reload(t, task.ID)
	if got.ErrorMessage != "failed to publish reply: duplicate content" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestRunWithoutCredentials(t *testing.T) {
	h := newHarness(t, harnessConfig{creds: credentials.Static{}})
	task := h.createTask(t, "m-1")

	outcome, _ := h.o.Run(context.Background(), task.ID)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", outcome)
	}
	got := h.reload(t, task.ID)
	if got.ErrorMessage != MsgNoCredentials {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if h.social.GetCount() != 0 {
		t.Error("fetch ran without credentials")
	}
}

func TestRunWritesStatusBeforeEachPhase(t *testing.T) {
	var h *harness
	var seen []tasks.Status
	observe := func(ctx context.Context, id string) {
		task, _ := h.store.Get(ctx, id)
		seen = append(seen, task.Status)
	}
	var taskID string
	stages := &stubStages{
		fetch: func(ctx context.Context) (tasks.Source, error) {
			observe(ctx, taskID)
			return tasks.Source{User: &tasks.UserInfo{ID: "u1"}}, nil
		},
		generate: func(ctx context.Context) (*pipeline.Generation, error) {
			observe(ctx, taskID)
			return &pipeline.Generation{Text: "x"}, nil
		},
	}
	h = newHarness(t, harnessConfig{stages: stages})
	taskID = h.createTask(t, "m-1").ID

	if outcome, _ := h.o.Run(context.Background(), taskID); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}
	if len(seen) != 2 || seen[0] != tasks.StatusProcessing || seen[1] != tasks.StatusGenerating {
		t.Errorf("statuses seen by stages = %v", seen)
	}
}

func TestRunFailedTaskRestartsFromFetch(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.gen.SetError(rkerrors.New(rkerrors.CodeQuotaExceeded, "out of credits", rkerrors.WithRetryable(false)))
	task := h.createTask(t, "m-1")

	if outcome, _ := h.o.Run(context.Background(), task.ID); outcome != OutcomeFailed {
		t.Fatalf("first run outcome = %s", outcome)
	}
	first := h.reload(t, task.ID)
	if first.Attempts != 1 || first.ErrorMessage != "failed to generate content: out of credits" {
		t.Errorf("after first run: attempts %d, message %q", first.Attempts, first.ErrorMessage)
	}

	h.gen.SetError(nil)
	if outcome, _ := h.o.Run(context.Background(), task.ID); outcome != OutcomeCompleted {
		t.Fatalf("second run outcome = %s", outcome)
	}
	second := h.reload(t, task.ID)
	if second.Attempts != 1 {
		t.Errorf("attempts after success = %d, want 1", second.Attempts)
	}
	if h.social.GetCount() != 2 {
		t.Errorf("fetch calls = %d, want 2 (rerun starts at fetch)", h.social.GetCount())
	}

	if outcome, _ := h.o.Run(context.Background(), task.ID); outcome != OutcomeSkipped {
		t.Errorf("third run outcome = %s, want skipped", outcome)
	}
}

func TestRunAttemptsCountFailuresOnly(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	task := h.createTask(t, "m-1")

	for i := 1; i <= 3; i++ {
		h.social.GetErrors = []error{rkerrors.InvalidInput("bad id")}
		h.o.Run(context.Background(), task.ID)
		if got := h.reload(t, task.ID).Attempts; got != i {
			t.Fatalf("after failure %d attempts = %d", i, got)
		}
	}
}

func TestRunParentContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := &stubStages{
		fetch: func(context.Context) (tasks.Source, error) {
			cancel()
			return tasks.Source{}, rkerrors.Unavailable("shutting down")
		},
	}
	h := newHarness(t, harnessConfig{stages: stages})
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(ctx, task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}
	if len(h.recordedSleeps()) != 0 {
		t.Error("retried after parent context was canceled")
	}
	if got := h.reload(t, task.ID); got.Status != tasks.StatusFailed {
		t.Errorf("status = %s, want failed despite canceled context", got.Status)
	}
}

func TestRunCanceledBeforeGeneratingMarksFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := &stubStages{
		rateLimit: func(context.Context, *tasks.UserInfo) error {
			cancel()
			return nil
		},
		generate: func(ctx context.Context) (*pipeline.Generation, error) {
			return &pipeline.Generation{Text: "ok"}, ctx.Err()
		},
	}
	h := newHarness(t, harnessConfig{stages: stages})
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(ctx, task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("Run = %s, %v; want failed", outcome, err)
	}
	got := h.reload(t, task.ID)
	if got.Status != tasks.StatusFailed || got.Attempts != 1 {
		t.Fatalf("task = %s attempts=%d, want failed with 1 attempt", got.Status, got.Attempts)
	}
	if !strings.HasPrefix(got.ErrorMessage, MsgGenerateFailed) {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	// Still re-enterable.
	outcome, err = h.o.Run(context.Background(), task.ID)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("rerun = %s, %v; want completed", outcome, err)
	}
}

func TestRunRecordsResultAfterCancelDuringPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := &stubStages{
		publish: func(context.Context) (string, error) {
			cancel()
			return "reply-7", nil
		},
	}
	h := newHarness(t, harnessConfig{stages: stages})
	task := h.createTask(t, "m-1")

	outcome, err := h.o.Run(ctx, task.ID)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}
	if got := h.reload(t, task.ID); got.Status != tasks.StatusCompleted || got.ResponseID != "reply-7" {
		t.Errorf("task = %s %q", got.Status, got.ResponseID)
	}
}

func TestRunStoresPostedReplyText(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.gen.SetResponse(strings.Repeat("meow ", 100))
	task := h.createTask(t, "m-1")

	if outcome, err := h.o.Run(context.Background(), task.ID); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v", outcome, err)
	}
	replies := h.social.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	got := h.reload(t, task.ID)
	if got.ReplyText != replies[0].Text {
		t.Errorf("stored reply %q differs from posted %q", got.ReplyText, replies[0].Text)
	}
	if !strings.HasSuffix(got.ReplyText, pipeline.TruncationSuffix) {
		t.Errorf("stored reply was not truncated: %q", got.ReplyText)
	}
}

// barrierStore holds every Get until n callers have arrived, so concurrent
// runs all read the task before any of them writes.
type barrierStore struct {
	tasks.Store
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrierStore) Get(ctx context.Context, id string) (*tasks.Task, error) {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-time.After(5 * time.Second):
		return nil, errors.New("barrier timeout")
	}
	return b.Store.Get(ctx, id)
}

func TestRunConcurrentSameTaskBothProceed(t *testing.T) {
	base, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer base.Close()
	barrier := &barrierStore{Store: base, n: 2, release: make(chan struct{})}

	h := newHarness(t, harnessConfig{store: barrier})
	task, err := base.Create(context.Background(), "src-1", "m-race")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = h.o.Run(context.Background(), task.ID)
		}()
	}
	wg.Wait()

	for i, o := range outcomes {
		if o != OutcomeCompleted {
			t.Errorf("run %d outcome = %s, want completed", i, o)
		}
	}
	if n := len(h.social.Replies()); n != 2 {
		t.Errorf("replies = %d, want 2: the entry guard does not serialize runs", n)
	}
}

func TestWithTrigger(t *testing.T) {
	if got := TriggerFrom(WithTrigger(context.Background(), "api")); got != "api" {
		t.Errorf("trigger = %s", got)
	}
	if got := TriggerFrom(context.Background()); got != "unknown" {
		t.Errorf("default trigger = %s", got)
	}
}
