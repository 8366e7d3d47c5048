package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
)

// Phases in the order they run.
const (
	PhaseIntake = 10
	PhaseDrain  = 20
	PhaseFlush  = 30
	PhaseClose  = 40
)

// DefaultTimeout bounds a signal-triggered shutdown.
const DefaultTimeout = 30 * time.Second

var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
)

// Func stops one component. It should return once ctx ends.
type Func func(ctx context.Context) error

// StepResult is how one stop function went.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the whole shutdown.
type Result struct {
	Duration time.Duration
	Steps    []StepResult
	Err      error
}

// Failed lists the steps that returned an error.
func (r *Result) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

type step struct {
	name  string
	phase int
	fn    Func
}

// Coordinator runs registered stop functions once.
type Coordinator struct {
	timeout time.Duration
	logger  *logging.Logger

	mu    sync.Mutex
	steps []step

	once   sync.Once
	done   chan struct{}
	result *Result
}

// New returns a coordinator whose signal-triggered shutdowns last at most
// timeout. Zero means DefaultTimeout.
func New(timeout time.Duration, logger *logging.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds fn to phase. Registration order does not matter.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, phase: phase, fn: fn})
	c.mu.Unlock()
}

// Shutdown runs every phase once. Later calls wait for the first to finish
// and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// Wait blocks until a signal arrives or ctx ends, then shuts down with the
// configured timeout.
func (c *Coordinator) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	select {
	case <-sigCtx.Done():
		c.logger.Info("shutdown_requested")
	case <-c.done:
		return c.result.Err
	}
	sctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Shutdown(sctx)
}

func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Result is nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	c.mu.Lock()
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	start := time.Now()
	res := &Result{}
	var errs []error
	for i := 0; i < len(steps); {
		j := i
		for j < len(steps) && steps[j].phase == steps[i].phase {
			j++
		}
		if ctx.Err() != nil {
			for _, s := range steps[i:] {
				res.Steps = append(res.Steps, StepResult{Name: s.name, Phase: s.phase, Err: ErrTimeout})
			}
			errs = append(errs, ErrTimeout)
			break
		}
		for _, sr := range c.runPhase(ctx, steps[i:j]) {
			res.Steps = append(res.Steps, sr)
			if sr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sr.Name, sr.Err))
			}
		}
		i = j
	}
	res.Duration = time.Since(start)
	res.Err = errors.Join(errs...)

	fields := map[string]interface{}{"duration": res.Duration.Round(time.Millisecond).String()}
	if failed := res.Failed(); len(failed) > 0 {
		fields["failed"] = failed
		c.logger.Warn("shutdown_complete", fields)
	} else {
		c.logger.Info("shutdown_complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, steps []step) []StepResult {
	results := make([]StepResult, len(steps))
	var wg sync.WaitGroup
	for i, s := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := call(ctx, s.fn)
			results[i] = StepResult{Name: s.name, Phase: s.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{
				"step":     s.name,
				"phase":    s.phase,
				"duration": results[i].Duration.Round(time.Millisecond).String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown_step", fields)
				return
			}
			c.logger.Debug("shutdown_step", fields)
		}()
	}
	wg.Wait()
	return results
}

func call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rkerrors.RecoverPanic(r)
		}
	}()
	return fn(ctx)
}
