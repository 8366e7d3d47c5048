package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/replykit/bus"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Bus    bus.MessageBus
	Runner Runner

	// Store is read after a run to report the final status to requesters.
	// Optional.
	Store tasks.Store

	// Concurrency is the number of messages handled at once. Default 4.
	Concurrency int

	Logger *logging.Logger
}

// Worker consumes run requests from the bus queue group and runs them.
type Worker struct {
	bus         bus.MessageBus
	runner      Runner
	store       tasks.Store
	concurrency int
	logger      *logging.Logger

	running atomic.Bool
	sub     bus.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("worker: bus required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("worker: runner required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Worker{
		bus:         cfg.Bus,
		runner:      cfg.Runner,
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.WithComponent("worker"),
	}, nil
}

// Start joins the queue group and begins handling messages until Stop is
// called or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return fmt.Errorf("worker already started")
	}
	sub, err := w.bus.QueueSubscribe(RunSubject, RunQueue)
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("subscribe %s: %w", RunSubject, err)
	}
	w.sub = sub

	ctx, w.cancel = context.WithCancel(ctx)
	for n := 0; n < w.concurrency; n++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.logger.Info("worker_started", map[string]interface{}{"subject": RunSubject, "concurrency": w.concurrency})
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	msgs := w.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) {
	rm, err := tasks.UnmarshalRunMessage(msg.Data)
	if err != nil {
		w.logger.Warn("bad_run_message", map[string]interface{}{"error": err.Error()})
		return
	}
	if msg.Header != nil {
		ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(msg.Header))
	}
	if rm.Trigger != "" {
		ctx = orchestrator.WithTrigger(ctx, rm.Trigger)
	}

	start := time.Now()
	outcome, runErr := w.runner.Run(ctx, rm.TaskID)
	if runErr != nil {
		w.logger.Error("run_error", map[string]interface{}{"task_id": rm.TaskID, "error": runErr.Error()})
	}
	if msg.Reply == "" {
		return
	}

	var task *tasks.Task
	if w.store != nil {
		task, _ = w.store.Get(context.WithoutCancel(ctx), rm.TaskID)
	}
	data, err := runResult(rm.TaskID, outcome, task, runErr, time.Since(start)).Marshal()
	if err != nil {
		return
	}
	if err := w.bus.Publish(context.WithoutCancel(ctx), &bus.Message{Subject: msg.Reply, Data: data}); err != nil {
		w.logger.Warn("reply_failed", map[string]interface{}{"task_id": rm.TaskID, "error": err.Error()})
	}
}

// Stop leaves the queue group and waits for in-flight runs, up to ctx.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Swap(false) {
		return nil
	}
	err := w.sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
	w.cancel()
	return err
}
