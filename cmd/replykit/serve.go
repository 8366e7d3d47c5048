package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/api"
	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/schedule"
	"github.com/vinayprograms/replykit/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API, the mention poller and the token refresher",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg
	coord := shutdown.New(cfg.HTTP.ShutdownTimeout, a.logger)

	if cfg.Bus.Worker {
		if err := a.startConsumer(ctx); err != nil {
			a.close()
			return err
		}
	}

	sched := schedule.New(a.logger)
	if cfg.Schedule.Enabled {
		pollJob := schedule.Job{
			Name:      "poll",
			Interval:  cfg.Schedule.PollInterval,
			Timeout:   cfg.Schedule.PollTimeout,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.ingestor.Poll(orchestrator.WithTrigger(ctx, ingest.TriggerPoll))
				if errors.Is(err, ingest.ErrPollInProgress) {
					return nil
				}
				return err
			},
		}
		refreshJob := schedule.Job{
			Name:      "refresh-token",
			Interval:  cfg.Schedule.RefreshInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.refresher.Refresh(ctx)
				return err
			},
		}
		if err := errors.Join(sched.Add(refreshJob), sched.Add(pollJob)); err != nil {
			a.close()
			return err
		}
		if err := sched.Start(ctx); err != nil {
			a.close()
			return err
		}
		a.onStop("scheduler", shutdown.PhaseIntake, sched.Stop)
	}

	// Synchronous runs go through the bus when another process owns the
	// workers.
	var runner ingest.Runner = a.orch
	if bd, ok := a.dispatcher.(*ingest.BusDispatcher); ok && !cfg.Bus.Worker {
		runner = bd
	}
	deps := api.Deps{
		Store:       a.store,
		Dispatcher:  a.dispatcher,
		Runner:      runner,
		Poller:      a.ingestor,
		Limits:      a.limiter,
		Logger:      a.logger,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = a.metrics
		deps.MetricsPath = cfg.Metrics.Path
	}
	if cfg.HTTP.AdminSecret != "" {
		if deps.Auth, err = api.NewAuthenticator(cfg.HTTP.AdminSecret); err != nil {
			a.close()
			return err
		}
	}
	srv := api.NewServer(cfg.HTTP.Addr, api.NewRouter(deps), cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, a.logger)
	srv.Start()
	a.onStop("http", shutdown.PhaseIntake, srv.Shutdown)

	a.register(coord)
	a.logger.Info("serving", map[string]interface{}{
		"addr":     cfg.HTTP.Addr,
		"bus":      cfg.Bus.Backend,
		"state":    cfg.State.Backend,
		"schedule": cfg.Schedule.Enabled,
	})

	go func() {
		if err, ok := <-srv.Err(); ok && err != nil {
			a.logger.Error("http_server_failed", map[string]interface{}{"error": err.Error()})
			cancel()
		}
	}()

	if err := coord.Wait(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
