package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/replykit/bus"
	"github.com/vinayprograms/replykit/config"
	"github.com/vinayprograms/replykit/credentials"
	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/metrics"
	"github.com/vinayprograms/replykit/objectstore"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/pipeline"
	"github.com/vinayprograms/replykit/ratelimit"
	"github.com/vinayprograms/replykit/shutdown"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/state"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer

	store     *tasks.SQLiteStore
	state     state.Store
	bus       bus.MessageBus
	creds     *credentials.StateProvider
	refresher *credentials.Refresher
	limiter   *ratelimit.Limiter
	social    *social.Client
	orch      *orchestrator.Orchestrator

	// dispatcher is what polls and the API hand tasks to. direct is set
	// for the memory backend.
	dispatcher ingest.Dispatcher
	direct     *ingest.DirectDispatcher
	ingestor   *ingest.Ingestor

	stops []stop
}

type stop struct {
	name  string
	phase int
	fn    shutdown.Func
}

func (a *app) onStop(name string, phase int, fn shutdown.Func) {
	a.stops = append(a.stops, stop{name: name, phase: phase, fn: fn})
}

func closeFunc(c interface{ Close() error }) shutdown.Func {
	return func(context.Context) error { return c.Close() }
}

// register hands every stop function to coord.
func (a *app) register(coord *shutdown.Coordinator) {
	for _, s := range a.stops {
		coord.Register(s.name, s.phase, s.fn)
	}
}

// close runs the stop functions for one-shot commands.
func (a *app) close() error {
	timeout := a.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = shutdown.DefaultTimeout
	}
	coord := shutdown.New(timeout, a.logger)
	a.register(coord)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return coord.Shutdown(ctx)
}

// newApp wires every component. On error the parts already built are
// closed and the returned app is nil.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}

	a.store, err = tasks.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	a.onStop("tasks", shutdown.PhaseClose, closeFunc(a.store))

	if err := a.initStateAndBus(ctx); err != nil {
		return nil, err
	}

	credFile, credPath, err := credentials.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if credPath != "" {
		logger.Debug("credentials_loaded", map[string]interface{}{"path": credPath})
	}
	socialCreds := credFile.SocialFromEnv()
	a.creds = credentials.NewStateProvider(a.state, socialCreds)
	a.refresher = credentials.NewRefresher(a.state, credentials.RefreshConfig{
		ClientID:     socialCreds.ClientID,
		ClientSecret: socialCreds.ClientSecret,
		RefreshToken: socialCreds.RefreshToken,
	}, logger)

	a.limiter, err = ratelimit.New(a.state, ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	})
	if err != nil {
		return nil, err
	}

	a.social = social.New(social.Config{
		BaseURL:         cfg.Social.BaseURL,
		Throttle:        cfg.Social.Throttle(social.ResourceRead, social.ResourceWrite, social.ResourceMedia),
		MaxMentionPages: cfg.Social.MaxMentionPages,
		Logger:          logger,
	})

	stages, err := a.buildPipeline(ctx, credFile)
	if err != nil {
		return nil, err
	}
	a.orch, err = orchestrator.New(orchestrator.Deps{
		Store:       a.store,
		Credentials: a.creds,
		Stages:      stages,
		Policies:    cfg.Pipeline.Stages,
		Logger:      logger,
		Tracer:      a.tracer,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	if err := a.initDispatcher(); err != nil {
		return nil, err
	}
	a.ingestor, err = ingest.New(ingest.Deps{
		Feed:        a.social,
		Store:       a.store,
		State:       a.state,
		Credentials: a.creds,
		Dispatcher:  a.dispatcher,
		Logger:      logger,
		Tracer:      a.tracer,
		Metrics:     a.metrics,
	}, ingest.Config{PollTimeout: cfg.Schedule.PollTimeout})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) initTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		a.tracer = telemetry.GetTracer()
		return nil
	}
	tcfg := a.cfg.Telemetry
	tcfg.ServiceVersion = version
	p, err := telemetry.InitProvider(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.tracer = p.Tracer()
	telemetry.SetGlobalTracer(a.tracer)
	a.onStop("telemetry", shutdown.PhaseFlush, p.Shutdown)
	return nil
}

func (a *app) initStateAndBus(ctx context.Context) error {
	cfg := a.cfg
	var conn *nats.Conn
	if cfg.State.Backend == config.BackendNATS || cfg.Bus.Backend == config.BackendNATS {
		var err error
		if conn, err = bus.Connect(cfg.NATS); err != nil {
			return err
		}
		// The bus owns the connection once it exists.
		if cfg.Bus.Backend != config.BackendNATS {
			a.onStop("nats", shutdown.PhaseClose+1, func(context.Context) error {
				conn.Close()
				return nil
			})
		}
	}

	switch cfg.State.Backend {
	case config.BackendNATS:
		scfg := state.DefaultNATSStoreConfig()
		scfg.Conn = conn
		if cfg.State.Bucket != "" {
			scfg.Bucket = cfg.State.Bucket
		}
		s, err := state.NewNATSStore(ctx, scfg)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		a.state = s
	default:
		a.state = state.NewMemoryStore()
	}
	a.onStop("state", shutdown.PhaseClose, closeFunc(a.state))

	if cfg.Bus.Backend == config.BackendNATS {
		a.bus = bus.NewNATSBusFromConn(conn, cfg.NATS)
		a.onStop("bus", shutdown.PhaseClose+1, closeFunc(a.bus))
	}
	return nil
}

func (a *app) buildPipeline(ctx context.Context, credFile *credentials.File) (*pipeline.Pipeline, error) {
	cfg := a.cfg
	gen := cfg.Generation
	if gen.Provider == "" {
		gen.Provider = llm.InferProviderFromModel(gen.Model)
	}
	if gen.APIKey == "" {
		gen.APIKey = credFile.APIKey(gen.Provider)
	}
	provider, err := llm.NewProvider(gen)
	if err != nil {
		return nil, fmt.Errorf("generation provider: %w", err)
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		a.onStop("generation", shutdown.PhaseClose, closeFunc(c))
	}

	deps := pipeline.Deps{
		Content:   a.social,
		Images:    social.NewImageFetcher(&http.Client{Timeout: 30 * time.Second}),
		Limiter:   a.limiter,
		Generator: provider,
		Media:     a.social,
		Publisher: a.social,
		Logger:    a.logger,
		Tracer:    a.tracer,
		Metrics:   a.metrics,
	}
	if cfg.ObjectStore.Bucket != "" {
		ocfg := cfg.ObjectStore
		ocfg.AccessKeyID = credFile.ObjectStore.AccessKeyID
		ocfg.SecretAccessKey = credFile.ObjectStore.SecretAccessKey
		up, err := objectstore.New(ctx, ocfg)
		if err != nil {
			return nil, err
		}
		deps.Uploader = up
	}

	pcfg := pipeline.DefaultConfig()
	if cfg.Pipeline.SystemInstruction != "" {
		pcfg.SystemInstruction = cfg.Pipeline.SystemInstruction
	}
	pcfg.Provider = gen.Provider
	pcfg.Model = gen.Model
	pcfg.MaxTokens = gen.MaxTokens
	pcfg.MaxReplyLength = cfg.Pipeline.MaxReplyLength
	if cfg.Pipeline.ImageConcurrency > 0 {
		pcfg.ImageConcurrency = cfg.Pipeline.ImageConcurrency
	}
	return pipeline.New(deps, pcfg)
}

func (a *app) initDispatcher() error {
	cfg := a.cfg
	switch cfg.Bus.Backend {
	case config.BackendNATS:
		a.dispatcher = ingest.NewBusDispatcher(a.bus)
	case config.BackendKafka:
		kd, err := ingest.NewKafkaDispatcher(cfg.Kafka)
		if err != nil {
			return err
		}
		a.dispatcher = kd
		a.onStop("kafka-writer", shutdown.PhaseClose, closeFunc(kd))
	default:
		a.direct = ingest.NewDirectDispatcher(a.orch, cfg.Bus.Concurrency, a.logger)
		a.dispatcher = a.direct
		a.onStop("dispatcher", shutdown.PhaseDrain, func(ctx context.Context) error {
			err := a.direct.Wait(ctx)
			a.direct.Close()
			return err
		})
	}
	return nil
}

// startConsumer begins consuming run requests published by other
// processes. The memory backend has nothing to consume.
func (a *app) startConsumer(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Bus.Backend {
	case config.BackendNATS:
		w, err := ingest.NewWorker(ingest.WorkerConfig{
			Bus:         a.bus,
			Runner:      a.orch,
			Store:       a.store,
			Concurrency: cfg.Bus.Concurrency,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		a.onStop("worker", shutdown.PhaseIntake, w.Stop)
	case config.BackendKafka:
		c, err := ingest.NewKafkaConsumer(cfg.Kafka, a.orch, a.logger)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}
		a.onStop("kafka-consumer", shutdown.PhaseIntake, c.Stop)
	}
	return nil
}

// wait lets in-process runs finish before a one-shot command exits.
func (a *app) wait(ctx context.Context) error {
	if a.direct == nil {
		return nil
	}
	return a.direct.Wait(ctx)
}
