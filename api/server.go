package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/metrics"
	"github.com/vinayprograms/replykit/tasks"
)

// Poller runs one mention poll. *ingest.Ingestor implements it.
type Poller interface {
	Poll(ctx context.Context) (*ingest.PollResult, error)
}

// RateLimits inspects and resets per-user counters. *ratelimit.Limiter
// implements it.
type RateLimits interface {
	Count(ctx context.Context, userID string) (int, error)
	Remaining(ctx context.Context, userID string) (int, error)
	Reset(ctx context.Context, userID string) error
}

// Deps are the collaborators behind the routes. Store and Dispatcher are
// required; routes whose collaborator is nil answer 501.
type Deps struct {
	Store      tasks.Store
	Dispatcher ingest.Dispatcher
	Runner     ingest.Runner
	Poller     Poller
	Limits     RateLimits

	// Auth guards every route but /healthz and /metrics. Optional.
	Auth *Authenticator

	Metrics     *metrics.Metrics
	MetricsPath string
	Logger      *logging.Logger

	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string
}

type handlers struct {
	Deps
	logger *logging.Logger
}

// NewRouter builds the admin routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	h := &handlers{Deps: deps, logger: deps.Logger.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware)
		}
		r.Post("/tasks", h.createTask)
		r.Get("/tasks/recent", h.listRecent)
		r.Get("/tasks/pending", h.listPending)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/process", h.processTask)
		r.Post("/tasks/{id}/run", h.runTask)
		r.Post("/mentions/poll", h.poll)
		r.Get("/ratelimit/{user_id}", h.rateLimitStatus)
		r.Delete("/ratelimit/{user_id}", h.rateLimitReset)
	})
	return r
}

func (h *handlers) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		fields := map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			fields["request_id"] = id
		}
		if ww.Status() >= 500 {
			h.logger.Warn("http_request", fields)
			return
		}
		h.logger.Debug("http_request", fields)
	})
}

// Server wraps http.Server with the start/stop shape the shutdown
// coordinator expects.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
	errCh  chan error
}

func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      writeTimeout,
		},
		logger: logger.WithComponent("api"),
		errCh:  make(chan error, 1),
	}
}

// Start listens in the background. Listen errors arrive on Err.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http_listening", map[string]interface{}{"addr": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()
}

func (s *Server) Err() <-chan error { return s.errCh }

// Shutdown stops accepting requests and waits for active ones up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
