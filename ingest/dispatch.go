package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/replykit/bus"
	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// Run triggers recorded on runs and run messages.
const (
	TriggerPoll = "poll"
	TriggerAPI  = "api"
	TriggerCLI  = "cli"
)

// Bus subject and queue group for run requests.
const (
	RunSubject = "tasks.run"
	RunQueue   = "orchestrators"
)

// Runner runs one task to an outcome. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, taskID string) (orchestrator.Outcome, error)
}

// DirectDispatcher runs tasks in-process with at most a fixed number of
// runs in flight. Dispatch blocks while the pool is full.
type DirectDispatcher struct {
	runner Runner
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *logging.Logger

	// base ends every run when canceled by Close.
	base   context.Context
	cancel context.CancelFunc
}

// DefaultConcurrency is the default number of concurrent runs.
const DefaultConcurrency = 4

func NewDirectDispatcher(runner Runner, concurrency int, logger *logging.Logger) *DirectDispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = logging.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &DirectDispatcher{
		runner: runner,
		sem:    make(chan struct{}, concurrency),
		logger: logger.WithComponent("dispatch"),
		base:   base,
		cancel: cancel,
	}
}

// Dispatch starts taskID in the background. The run keeps the values of
// ctx (trigger, trace) but not its cancellation.
func (d *DirectDispatcher) Dispatch(ctx context.Context, taskID string) error {
	if d.base.Err() != nil {
		return rkerrors.Unavailable("dispatcher closed")
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.base.Done():
		return rkerrors.Unavailable("dispatcher closed")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(d.base, cancel)
		defer stop()
		defer cancel()

		outcome, err := d.runner.Run(runCtx, taskID)
		if err != nil {
			d.logger.Error("run_error", map[string]interface{}{"task_id": taskID, "error": err.Error()})
			return
		}
		d.logger.Debug("run_done", map[string]interface{}{"task_id": taskID, "outcome": string(outcome)})
	}()
	return nil
}

// Wait blocks until every dispatched run has returned or ctx ends.
func (d *DirectDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight runs and refuses new ones. A run that got past
// the processing write observes the cancellation at its next stage
// boundary and marks its task failed. One canceled before that leaves the
// task as it was.
func (d *DirectDispatcher) Close() error {
	d.cancel()
	return nil
}

// BusDispatcher publishes run requests for Workers to pick up.
type BusDispatcher struct {
	bus     bus.MessageBus
	subject string
}

func NewBusDispatcher(b bus.MessageBus) *BusDispatcher {
	return &BusDispatcher{bus: b, subject: RunSubject}
}

func (d *BusDispatcher) message(ctx context.Context, taskID string) (*bus.Message, error) {
	rm := tasks.NewRunMessage(taskID, "", orchestrator.TriggerFrom(ctx))
	rm.CorrelationID = uuid.NewString()
	data, err := rm.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal run message: %w", err)
	}
	msg := &bus.Message{Subject: d.subject, Data: data}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	for k, v := range carrier {
		msg.SetHeader(k, v)
	}
	return msg, nil
}

// Dispatch publishes a run request for taskID.
func (d *BusDispatcher) Dispatch(ctx context.Context, taskID string) error {
	msg, err := d.message(ctx, taskID)
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, msg); err != nil {
		return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "publish run request")
	}
	return nil
}

// RunAndWait sends a run request and waits for the worker's result.
func (d *BusDispatcher) RunAndWait(ctx context.Context, taskID string) (*tasks.RunResult, error) {
	msg, err := d.message(ctx, taskID)
	if err != nil {
		return nil, err
	}
	reply, err := d.bus.Request(ctx, msg)
	if err != nil {
		return nil, rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "request run")
	}
	return tasks.UnmarshalRunResult(reply.Data)
}

// Run implements Runner over the bus: a worker in any process runs the
// task and the result is mapped back to an outcome.
func (d *BusDispatcher) Run(ctx context.Context, taskID string) (orchestrator.Outcome, error) {
	res, err := d.RunAndWait(ctx, taskID)
	if err != nil {
		return "", err
	}
	if res.Outcome == "" {
		code := rkerrors.Code(res.Code)
		if code == "" {
			code = rkerrors.CodeInternal
		}
		return "", rkerrors.New(code, res.Error, rkerrors.WithTaskID(taskID))
	}
	return orchestrator.Outcome(res.Outcome), nil
}

// runResult builds the reply a worker sends for a synchronous run.
func runResult(taskID string, outcome orchestrator.Outcome, task *tasks.Task, err error, elapsed time.Duration) *tasks.RunResult {
	r := &tasks.RunResult{
		TaskID:     taskID,
		Outcome:    string(outcome),
		DurationMs: elapsed.Milliseconds(),
	}
	if task != nil {
		r.Status = task.Status
		if task.Status == tasks.StatusFailed {
			r.Error = task.ErrorMessage
		}
	}
	if err != nil {
		r.Error = err.Error()
		r.Code = string(rkerrors.CodeOf(err))
	}
	return r
}
