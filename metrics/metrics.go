// Package metrics exposes Prometheus counters and histograms for task runs,
// pipeline stages, rate limiting and mention polling.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replykit"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksCreated    prometheus.Counter
	taskRuns        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageRetries    *prometheus.CounterVec
	rateLimitDenied prometheus.Counter
	mentionsFetched prometheus.Counter
	polls           *prometheus.CounterVec
}

// New creates and registers all collectors, plus Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created from mentions",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Orchestration runs by outcome",
		}, []string{"outcome"}), // completed, failed, skipped
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration including retries",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		}, []string{"stage", "result"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage retries after transient failures",
		}, []string{"stage"}),
		rateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests denied by the per-user rate limit",
		}),
		mentionsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mentions_fetched_total",
			Help:      "Mentions returned by the mention feed",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Mention polls by result",
		}, []string{"result"}), // ok, error, skipped
	}

	m.registry.MustRegister(
		m.tasksCreated,
		m.taskRuns,
		m.stageDuration,
		m.stageRetries,
		m.rateLimitDenied,
		m.mentionsFetched,
		m.polls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

// TaskRun records the outcome of one orchestration run.
func (m *Metrics) TaskRun(outcome string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(outcome).Inc()
}

// Stage records a finished stage, retries included.
func (m *Metrics) Stage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) StageRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) RateLimitDenied() {
	if m == nil {
		return
	}
	m.rateLimitDenied.Inc()
}

// Poll records one mention poll.
func (m *Metrics) Poll(result string, fetched int) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	m.mentionsFetched.Add(float64(fetched))
}
