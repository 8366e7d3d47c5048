package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/replykit/credentials"
	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/metrics"
	"github.com/vinayprograms/replykit/pipeline"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Failure messages recorded on the task.
const (
	MsgNoCredentials  = "failed to get credentials"
	MsgFetchFailed    = "failed to get source content"
	MsgGenerateFailed = "failed to generate content"
	MsgPublishFailed  = "failed to publish reply"
	MsgNoResponseID   = "unable to obtain response id"
	MsgRecordFailed   = "failed to record result"
)

// failWriteTimeout bounds the FAILED and result writes, which run even when
// the run's context is already done.
const failWriteTimeout = 10 * time.Second

// Stages is the work a run performs. *pipeline.Pipeline implements it.
type Stages interface {
	Fetch(ctx context.Context, token, contentID string) (tasks.Source, error)
	CheckRateLimit(ctx context.Context, user *tasks.UserInfo) error
	Generate(ctx context.Context, token string, src tasks.Source) (*pipeline.Generation, error)
	Publish(ctx context.Context, token, contentID string, gen *pipeline.Generation) (string, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store       tasks.Store
	Credentials credentials.Provider
	Stages      Stages
	Policies    Policies

	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Metrics *metrics.Metrics
}

// Orchestrator runs tasks. It is safe for concurrent use; runs of different
// tasks share nothing but the store and the rate limiter.
type Orchestrator struct {
	store    tasks.Store
	creds    credentials.Provider
	stages   Stages
	policies Policies

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: task store required")
	case deps.Credentials == nil:
		return nil, fmt.Errorf("orchestrator: credentials provider required")
	case deps.Stages == nil:
		return nil, fmt.Errorf("orchestrator: stages required")
	}
	policies := DefaultPolicies().Merge(deps.Policies)
	if err := policies.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		store:    deps.Store,
		creds:    deps.Credentials,
		stages:   deps.Stages,
		policies: policies,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
		sleep:    sleepCtx,
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.tracer == nil {
		o.tracer = telemetry.GetTracer()
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type triggerKey struct{}

// WithTrigger labels runs started with ctx ("poll", "api", "cli").
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the trigger set by WithTrigger, or "unknown".
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return "unknown"
}

// run carries the per-run state.
type run struct {
	task   *tasks.Task
	logger *logging.Logger
	status tasks.Status
}

// Run processes taskID once. A missing task is returned as a NOT_FOUND
// error. Stage failures are not errors: they mark the task failed and
// return OutcomeFailed. The error is non-nil only when the task could not
// be read or its status could not be written.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (outcome Outcome, err error) {
	ctx, span := o.tracer.StartRunSpan(ctx, taskID, TriggerFrom(ctx))
	r := &run{logger: o.logger.WithTraceID(taskID)}
	defer func() {
		attempts := 0
		if r.task != nil {
			attempts = r.task.Attempts
		}
		o.tracer.EndRunSpan(span, string(r.status), attempts, err)
		if outcome != "" {
			o.metrics.TaskRun(string(outcome))
		}
	}()

	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return "", rkerrors.Wrap(err, "load task", rkerrors.WithTaskID(taskID))
	}
	if task == nil {
		return "", rkerrors.NotFound("task not found: "+taskID,
			rkerrors.WithTaskID(taskID), rkerrors.WithRetryable(false))
	}
	r.task, r.status = task, task.Status

	if !task.Status.CanStartRun() {
		r.logger.Info("run_skipped", map[string]interface{}{"status": task.Status.String()})
		return OutcomeSkipped, nil
	}

	if err := o.transition(ctx, r, tasks.StatusProcessing); err != nil {
		return "", err
	}

	var creds *credentials.Credentials
	if err := o.runStage(ctx, r, pipeline.StageCredentials, func(ctx context.Context) error {
		c, err := o.creds.GetCredentials(ctx)
		if err != nil {
			return err
		}
		if c == nil || c.AccessToken == "" {
			return rkerrors.Unauthorized(MsgNoCredentials, rkerrors.WithRetryable(false))
		}
		creds = c
		return nil
	}); err != nil {
		return o.fail(ctx, r, pipeline.StageCredentials, MsgNoCredentials, err)
	}

	var src tasks.Source
	if err := o.runStage(ctx, r, pipeline.StageFetch, func(ctx context.Context) error {
		s, err := o.stages.Fetch(ctx, creds.AccessToken, task.SourceContentID)
		if err != nil {
			return err
		}
		updated, err := o.store.UpdateSource(ctx, task.ID, s)
		if err != nil {
			return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "save source")
		}
		if updated != nil {
			r.task = updated
		}
		src = s
		return nil
	}); err != nil {
		return o.fail(ctx, r, pipeline.StageFetch, withCause(MsgFetchFailed, err), err)
	}

	if err := o.runStage(ctx, r, pipeline.StageRateLimit, func(ctx context.Context) error {
		return o.stages.CheckRateLimit(ctx, src.User)
	}); err != nil {
		return o.fail(ctx, r, pipeline.StageRateLimit, err.Error(), err)
	}

	if err := o.transition(ctx, r, tasks.StatusGenerating); err != nil {
		return o.fail(ctx, r, pipeline.StageGenerate, withCause(MsgGenerateFailed, err), err)
	}

	var gen *pipeline.Generation
	if err := o.runStage(ctx, r, pipeline.StageGenerate, func(ctx context.Context) error {
		g, err := o.stages.Generate(ctx, creds.AccessToken, src)
		gen = g
		return err
	}); err != nil {
		return o.fail(ctx, r, pipeline.StageGenerate, withCause(MsgGenerateFailed, err), err)
	}

	var responseID string
	if err := o.runStage(ctx, r, pipeline.StagePublish, func(ctx context.Context) error {
		id, err := o.stages.Publish(ctx, creds.AccessToken, task.SourceContentID, gen)
		responseID = id
		return err
	}); err != nil {
		return o.fail(ctx, r, pipeline.StagePublish, withCause(MsgPublishFailed, err), err)
	}
	if responseID == "" {
		return o.fail(ctx, r, pipeline.StagePublish, MsgNoResponseID, nil)
	}

	// The reply is out; record it even if ctx was canceled meanwhile.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	done, err := o.store.UpdateResult(wctx, task.ID, gen.Text, gen.ResultMedia(), responseID)
	cancel()
	if err != nil {
		return o.fail(ctx, r, pipeline.StagePublish, withCause(MsgRecordFailed, err), err)
	}
	if done != nil {
		r.task = done
	}
	r.logger.TaskTransition(task.ID, r.status.String(), tasks.StatusCompleted.String())
	r.status = tasks.StatusCompleted
	r.logger.Info("run_completed", map[string]interface{}{"response_id": responseID})
	return OutcomeCompleted, nil
}

func withCause(msg string, err error) string {
	if err == nil {
		return msg
	}
	return msg + ": " + err.Error()
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to tasks.Status) error {
	updated, err := o.store.UpdateStatus(ctx, r.task.ID, to, nil)
	if err != nil {
		return rkerrors.Wrap(err, "update status to "+to.String(), rkerrors.WithTaskID(r.task.ID))
	}
	if updated != nil {
		r.task = updated
	}
	r.logger.TaskTransition(r.task.ID, r.status.String(), to.String())
	r.status = to
	return nil
}

// fail is where every stage failure ends: the task goes to failed with msg
// and its attempt count goes up by one.
func (o *Orchestrator) fail(ctx context.Context, r *run, stage, msg string, cause error) (Outcome, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	fields := map[string]interface{}{"stage": stage, "reason": msg}
	if code := rkerrors.CodeOf(cause); code != "" {
		fields["code"] = string(code)
	}
	r.logger.Error("run_failed", fields)

	updated, err := o.store.UpdateStatus(wctx, r.task.ID, tasks.StatusFailed, &msg)
	if err != nil {
		return OutcomeFailed, rkerrors.Wrap(err, "mark task failed", rkerrors.WithTaskID(r.task.ID))
	}
	if updated != nil {
		r.task = updated
	}
	r.logger.TaskTransition(r.task.ID, r.status.String(), tasks.StatusFailed.String())
	r.status = tasks.StatusFailed
	return OutcomeFailed, nil
}

// runStage calls fn under the stage's policy. Panics become PANIC errors.
// An attempt that runs past its timeout is a retryable TIMEOUT.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage string, fn func(context.Context) error) error {
	policy := o.policies.For(stage)
	ctx, span := o.tracer.StartStageSpan(ctx, stage)
	start := time.Now()

	var err error
	attempt := 0
	for {
		attempt++
		r.logger.StageStart(stage, attempt)

		actx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err = callStage(actx, fn)
		if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
			err = rkerrors.WrapWithCode(err, rkerrors.CodeTimeout,
				fmt.Sprintf("%s timed out after %s", stage, policy.Timeout))
		}
		cancel()

		if err == nil || ctx.Err() != nil || !rkerrors.IsRetryable(err) || attempt > policy.MaxRetries {
			break
		}

		delay := policy.Backoff(attempt - 1)
		r.logger.StageRetry(stage, attempt, delay, err)
		o.metrics.StageRetry(stage)
		if serr := o.sleep(ctx, delay); serr != nil {
			break
		}
	}

	elapsed := time.Since(start)
	r.logger.StageResult(stage, elapsed, err)
	o.metrics.Stage(stage, elapsed, err)
	opts := telemetry.StageSpanOptions{Attempts: attempt}
	if err != nil {
		opts.ErrorCode = string(rkerrors.CodeOf(err))
		opts.Retryable = rkerrors.IsRetryable(err)
	}
	o.tracer.EndStageSpan(span, opts, err)
	return err
}

func callStage(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = rkerrors.RecoverPanic(rec)
		}
	}()
	return fn(ctx)
}
