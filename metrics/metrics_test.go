package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TaskCreated()
	m.TaskRun("completed")
	m.Stage("fetch", time.Second, nil)
	m.StageRetry("fetch")
	m.RateLimitDenied()
	m.Poll("ok", 3)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.TaskCreated()
	m.TaskCreated()
	m.TaskRun("completed")
	m.TaskRun("failed")
	m.TaskRun("failed")
	m.StageRetry("generate")
	m.RateLimitDenied()
	m.Poll("ok", 4)
	m.Poll("ok", 1)

	if got := testutil.ToFloat64(m.tasksCreated); got != 2 {
		t.Errorf("tasks_created_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.taskRuns.WithLabelValues("failed")); got != 2 {
		t.Errorf("task_runs_total{failed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stageRetries.WithLabelValues("generate")); got != 1 {
		t.Errorf("stage_retries_total{generate} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimitDenied); got != 1 {
		t.Errorf("ratelimit_denied_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mentionsFetched); got != 5 {
		t.Errorf("mentions_fetched_total = %v, want 5", got)
	}
}

func TestStageResultLabel(t *testing.T) {
	m := New()
	m.Stage("publish", 200*time.Millisecond, nil)
	m.Stage("publish", time.Second, errors.New("boom"))

	if n := testutil.CollectAndCount(m.stageDuration); n != 2 {
		t.Errorf("stage_duration series = %d, want 2", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TaskCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), "replykit_tasks_created_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output missing runtime collector")
	}
}
