package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/state"
)

const (
	DefaultMaxRequests = 1000
	DefaultWindow      = 12 * time.Hour

	// KeyPrefix namespaces counters in the state store.
	KeyPrefix = "ratelimit."

	defaultCASRetries = 16
)

// Config sets the per-user quota.
type Config struct {
	MaxRequests int
	Window      time.Duration

	// CASRetries bounds how many times a contended increment is re-read
	// before giving up with RESOURCE_BUSY. Default: 16.
	CASRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxRequests: DefaultMaxRequests,
		Window:      DefaultWindow,
		CASRetries:  defaultCASRetries,
	}
}

func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive", ErrInvalidConfig)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	return nil
}

// window is what gets stored under the user's key.
type window struct {
	Count     int       `json:"count"`
	WindowEnd time.Time `json:"window_end"`
}

// Limiter is a fixed-window request counter per user.
//
// The first allowed request opens a window of Config.Window; later requests
// in the same window only bump the count and never extend it. Bursts of up to
// twice the quota are possible across a window boundary.
type Limiter struct {
	store   state.Store
	cfg     Config
	nowFunc func() time.Time
}

// New creates a Limiter. Zero fields in cfg take their defaults.
func New(store state.Store, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: state store required", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = def.CASRetries
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{store: store, cfg: cfg, nowFunc: time.Now}, nil
}

// Key returns the state key holding userID's counter.
func Key(userID string) string {
	return KeyPrefix + userID
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// IsAllowed counts one request for userID and reports whether it fits in the
// current window. Denied requests are not counted.
func (l *Limiter) IsAllowed(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.InvalidInput("rate limit: empty user id")
	}
	key := Key(userID)

	for attempt := 0; attempt < l.cfg.CASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, "rate limit")
		}
		now := l.nowFunc()

		entry, err := l.store.Get(ctx, key)
		if err == state.ErrNotFound {
			ok, err := l.open(ctx, key, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			continue
		}
		if err != nil {
			return false, errors.WrapWithCode(err, errors.CodeUnavailable, "rate limit: read counter")
		}

		w, err := decode(entry.Value)
		if err != nil {
			return false, errors.WrapWithCode(err, errors.CodeCorruption, "rate limit: decode counter")
		}
		if !now.Before(w.WindowEnd) {
			// Window over but the store has not expired the key yet.
			ok, err := l.replace(ctx, key, entry.Revision, window{Count: 1, WindowEnd: now.Add(l.cfg.Window)}, l.cfg.Window)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			continue
		}
		if w.Count >= l.cfg.MaxRequests {
			return false, nil
		}

		w.Count++
		ok, err := l.replace(ctx, key, entry.Revision, w, w.WindowEnd.Sub(now))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.New(errors.CodeResourceBusy,
		fmt.Sprintf("rate limit: counter for %s too contended", userID))
}

// open starts a new window. false means another caller created it first.
func (l *Limiter) open(ctx context.Context, key string, now time.Time) (bool, error) {
	data, err := encode(window{Count: 1, WindowEnd: now.Add(l.cfg.Window)})
	if err != nil {
		return false, err
	}
	_, err = l.store.Create(ctx, key, data, l.cfg.Window)
	if err == state.ErrKeyExists {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapWithCode(err, errors.CodeUnavailable, "rate limit: create counter")
	}
	return true, nil
}

// replace writes w if the key is still at revision. false means a lost race.
func (l *Limiter) replace(ctx context.Context, key string, revision uint64, w window, ttl time.Duration) (bool, error) {
	data, err := encode(w)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	_, err = l.store.Update(ctx, key, data, revision, ttl)
	if err == state.ErrRevisionMismatch {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapWithCode(err, errors.CodeUnavailable, "rate limit: update counter")
	}
	return true, nil
}

// Count returns the requests counted in userID's current window.
func (l *Limiter) Count(ctx context.Context, userID string) (int, error) {
	entry, err := l.store.Get(ctx, Key(userID))
	if err == state.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeUnavailable, "rate limit: read counter")
	}
	w, err := decode(entry.Value)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeCorruption, "rate limit: decode counter")
	}
	if !l.nowFunc().Before(w.WindowEnd) {
		return 0, nil
	}
	return w.Count, nil
}

// Remaining returns how many more requests userID may make in this window.
func (l *Limiter) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := l.Count(ctx, userID)
	if err != nil {
		return 0, err
	}
	if r := l.cfg.MaxRequests - n; r > 0 {
		return r, nil
	}
	return 0, nil
}

// Reset clears userID's counter.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	if err := l.store.Delete(ctx, Key(userID)); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "rate limit: reset counter")
	}
	return nil
}

func encode(w window) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "rate limit: encode counter")
	}
	return data, nil
}

func decode(data []byte) (window, error) {
	var w window
	err := json.Unmarshal(data, &w)
	return w, err
}
