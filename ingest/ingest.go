package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/replykit/credentials"
	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/metrics"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/social"
	"github.com/vinayprograms/replykit/state"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// State keys used by the ingestor.
const (
	LockKey   = "ingest.poll"
	CursorKey = "ingest.cursor"
)

// DefaultPollTimeout bounds one poll and is the lifetime of its lease.
const DefaultPollTimeout = 5 * time.Minute

// ErrPollInProgress is returned when another poller holds the lease.
var ErrPollInProgress = errors.New("poll already in progress")

// MentionFeed lists mentions of userID newer than cursor.
type MentionFeed interface {
	ListMentionsSince(ctx context.Context, token, userID, cursor string) (*social.MentionPage, error)
}

// Dispatcher starts processing of a task. It must not wait for the run
// to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// PollResult summarizes one poll.
type PollResult struct {
	Fetched    int    `json:"fetched"`
	Created    int    `json:"created"`
	Existing   int    `json:"existing"`
	Dispatched int    `json:"dispatched"`
	Cursor     string `json:"cursor"`
	Advanced   bool   `json:"advanced"`
}

type Deps struct {
	Feed        MentionFeed
	Store       tasks.Store
	State       state.Store
	Credentials credentials.Provider
	Dispatcher  Dispatcher

	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Metrics *metrics.Metrics
}

type Config struct {
	PollTimeout time.Duration
}

// Ingestor polls the mention feed. Safe for concurrent use; concurrent
// polls are serialized by the state lease.
type Ingestor struct {
	feed       MentionFeed
	store      tasks.Store
	state      state.Store
	creds      credentials.Provider
	dispatcher Dispatcher
	timeout    time.Duration

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics
}

func New(deps Deps, cfg Config) (*Ingestor, error) {
	switch {
	case deps.Feed == nil:
		return nil, fmt.Errorf("ingest: mention feed required")
	case deps.Store == nil:
		return nil, fmt.Errorf("ingest: task store required")
	case deps.State == nil:
		return nil, fmt.Errorf("ingest: state store required")
	case deps.Credentials == nil:
		return nil, fmt.Errorf("ingest: credentials provider required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("ingest: dispatcher required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	i := &Ingestor{
		feed:       deps.Feed,
		store:      deps.Store,
		state:      deps.State,
		creds:      deps.Credentials,
		dispatcher: deps.Dispatcher,
		timeout:    cfg.PollTimeout,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
	}
	if i.logger == nil {
		i.logger = logging.Nop()
	}
	i.logger = i.logger.WithComponent("ingest")
	if i.tracer == nil {
		i.tracer = telemetry.GetTracer()
	}
	return i, nil
}

// Cursor returns the id of the newest mention already ingested, or "".
func (i *Ingestor) Cursor(ctx context.Context) (string, error) {
	entry, err := i.state.Get(ctx, CursorKey)
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "read cursor")
	}
	return string(entry.Value), nil
}

// Poll runs one ingestion pass. On error the returned result still
// reports what was done before the failure.
func (i *Ingestor) Poll(ctx context.Context) (res *PollResult, err error) {
	res = &PollResult{}
	ctx = orchestrator.WithTrigger(ctx, TriggerPoll)
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	ctx, span := i.tracer.StartPollSpan(ctx)
	defer func() {
		i.tracer.EndPollSpan(span, res.Fetched, res.Created, res.Dispatched, err)
		switch {
		case errors.Is(err, ErrPollInProgress):
			i.metrics.Poll("busy", 0)
		case err != nil:
			i.metrics.Poll("error", res.Fetched)
		default:
			i.metrics.Poll("ok", res.Fetched)
		}
	}()

	lock, err := i.state.Lock(ctx, LockKey, i.timeout)
	if errors.Is(err, state.ErrLockHeld) {
		i.logger.Info("poll_skipped", map[string]interface{}{"reason": "lease held"})
		return res, ErrPollInProgress
	}
	if err != nil {
		return res, rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "acquire poll lease")
	}
	defer func() {
		uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer ucancel()
		if uerr := lock.Unlock(uctx); uerr != nil {
			i.logger.Warn("poll_unlock_failed", map[string]interface{}{"error": uerr.Error()})
		}
	}()

	creds, err := i.creds.GetCredentials(ctx)
	if err != nil {
		return res, rkerrors.Wrap(err, "get credentials")
	}
	if creds == nil || creds.AccessToken == "" || creds.UserID == "" {
		return res, rkerrors.Unauthorized("no credentials for mention poll", rkerrors.WithRetryable(false))
	}

	cursor, err := i.Cursor(ctx)
	if err != nil {
		return res, err
	}
	res.Cursor = cursor

	page, err := i.feed.ListMentionsSince(ctx, creds.AccessToken, creds.UserID, cursor)
	if err != nil {
		return res, err
	}
	if page == nil || len(page.Mentions) == 0 {
		i.logger.PollSummary(0, 0, 0, cursor, false)
		return res, nil
	}
	if page.Truncated {
		i.logger.Warn("mentions_truncated", map[string]interface{}{"oldest_id": page.OldestID})
	}

	mentions := append([]social.Mention(nil), page.Mentions...)
	SortMentions(mentions)
	res.Fetched = len(mentions)

	newest := cursor
	for _, m := range mentions {
		if err := i.ingest(ctx, m, res); err != nil {
			return res, err
		}
		if CompareIDs(m.ID, newest) > 0 {
			newest = m.ID
		}
	}

	if newest != cursor {
		if _, err := i.state.Put(ctx, CursorKey, []byte(newest), 0); err != nil {
			return res, rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "save cursor")
		}
		res.Cursor, res.Advanced = newest, true
	}
	i.logger.PollSummary(res.Fetched, res.Created, res.Dispatched, res.Cursor, res.Advanced)
	return res, nil
}

func (i *Ingestor) ingest(ctx context.Context, m social.Mention, res *PollResult) error {
	existing, err := i.store.GetByMentionID(ctx, m.ID)
	if err != nil {
		return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "look up mention "+m.ID)
	}
	task := existing
	if task == nil {
		task, err = i.store.Create(ctx, m.ID, m.ID)
		if err != nil {
			return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "create task for mention "+m.ID)
		}
		res.Created++
		i.metrics.TaskCreated()
		i.logger.Info("task_created", map[string]interface{}{"task_id": task.ID, "mention_id": m.ID})
	} else {
		res.Existing++
	}

	if err := i.dispatcher.Dispatch(ctx, task.ID); err != nil {
		return rkerrors.Wrap(err, "dispatch task "+task.ID, rkerrors.WithTaskID(task.ID))
	}
	res.Dispatched++
	return nil
}
