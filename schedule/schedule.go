package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration

	// Timeout bounds one run. Zero means Interval.
	Timeout time.Duration

	// Immediate runs the job once at Start instead of after the first
	// interval.
	Immediate bool

	Run func(ctx context.Context) error
}

func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", j.Name)
	}
	return nil
}

// Stats counts what happened to a job.
type Stats struct {
	Runs     int64
	Failures int64
	Skipped  int64
	LastRun  time.Time
	LastErr  string
}

type entry struct {
	job   Job
	busy  atomic.Bool
	mu    sync.Mutex
	stats Stats
}

// Scheduler owns a set of jobs and their tickers.
type Scheduler struct {
	logger *logging.Logger

	mu      sync.Mutex
	entries []*entry

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{logger: logger.WithComponent("schedule")}
}

// Add registers a job. Jobs cannot be added after Start.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if s.running.Load() {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{job: job})
	s.mu.Unlock()
	return nil
}

// Start launches one loop per job.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.job.Immediate {
		s.tick(ctx, e)
	}

	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

// tick starts a run unless the previous one is still going.
func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if !e.busy.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.stats.Skipped++
		e.mu.Unlock()
		s.logger.Debug("job_skipped", map[string]interface{}{"job": e.job.Name})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.busy.Store(false)
		s.runOnce(ctx, e)
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = e.job.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := run(ctx, e.job.Run)

	e.mu.Lock()
	e.stats.Runs++
	e.stats.LastRun = start
	e.stats.LastErr = ""
	if err != nil {
		e.stats.Failures++
		e.stats.LastErr = err.Error()
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"job":      e.job.Name,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error("job_failed", fields)
		return
	}
	s.logger.Debug("job_done", fields)
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = rkerrors.RecoverPanic(rec)
		}
	}()
	return fn(ctx)
}

// RunNow runs the named job synchronously, outside its schedule. It still
// refuses to overlap a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e := s.find(name)
	if e == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return rkerrors.New(rkerrors.CodeResourceBusy, "job "+name+" is running")
	}
	defer e.busy.Store(false)
	s.runOnce(ctx, e)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats.LastErr != "" {
		return errors.New(e.stats.LastErr)
	}
	return nil
}

// Stats returns a snapshot of the named job's counters.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	e := s.find(name)
	if e == nil {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

func (s *Scheduler) find(name string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e
		}
	}
	return nil
}

// Stop cancels all loops and in-flight runs and waits for them, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
