package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
)

// Entry is a live value together with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Modified time.Time
	// Expires is zero for entries without a TTL.
	Expires time.Time
}

// TTL returns the time left before the entry expires, or 0 if it never does.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.Expires.IsZero() {
		return 0
	}
	if d := e.Expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store is a key/value cache with per-key TTL and optimistic concurrency.
// Expired entries behave exactly like absent ones.
type Store interface {
	// Get returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put writes unconditionally. A ttl of 0 never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)

	// Create writes only if the key is absent or expired, otherwise ErrKeyExists.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)

	// Update writes only if the current revision equals revision,
	// otherwise ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64, ttl time.Duration) (uint64, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Lock takes an exclusive lease on key, or fails with ErrLockHeld.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	Close() error
}

// Lock is a lease obtained from Store.Lock. It lapses after its TTL.
type Lock interface {
	Unlock(ctx context.Context) error
	Key() string
}

// ValidateKey rejects keys that NATS KV would refuse.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " *>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func lockKey(key string) string {
	return "_lock." + key
}
