package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore is a Store backed by a JetStream key/value bucket.
//
// JetStream TTLs are per bucket, so each value is wrapped in an envelope
// carrying its own expiry. Expired envelopes are reported as ErrNotFound and
// overwritten by the next Create.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	now    func() time.Time
	closed atomic.Bool
}

// NATSStoreConfig configures the bucket.
type NATSStoreConfig struct {
	Conn *nats.Conn

	// Bucket is the KV bucket name. Default: "replykit-state".
	Bucket string

	// MaxAge bounds how long any revision is kept by the server,
	// independent of per-key TTLs. 0 keeps values until overwritten.
	MaxAge time.Duration

	// Timeout bounds each KV call when ctx has no deadline. Default: 5s.
	Timeout time.Duration
}

func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:  "replykit-state",
		Timeout: 5 * time.Second,
	}
}

type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix millis, 0 = never
}

func encodeEnvelope(value []byte, ttl time.Duration, now time.Time) ([]byte, error) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() >= e.ExpiresAt
}

// NewNATSStore creates or binds the bucket.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig, opts ...Option) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.MaxAge,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	o := buildOptions(opts)
	return &NATSStore{kv: kv, config: cfg, now: o.now}, nil
}

func (s *NATSStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

func (s *NATSStore) check(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// raw returns the stored envelope, expired or not.
func (s *NATSStore) raw(ctx context.Context, key string) (jetstream.KeyValueEntry, envelope, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, envelope{}, ErrNotFound
		}
		return nil, envelope{}, fmt.Errorf("kv get: %w", err)
	}
	env, err := decodeEnvelope(entry.Value())
	if err != nil {
		return nil, envelope{}, err
	}
	return entry, env, nil
}

func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.check(key, 0); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, env, err := s.raw(ctx, key)
	if err != nil {
		return nil, err
	}
	if env.expired(s.now()) {
		return nil, ErrNotFound
	}
	out := &Entry{
		Key:      key,
		Value:    env.Value,
		Revision: entry.Revision(),
		Modified: entry.Created(),
	}
	if env.ExpiresAt != 0 {
		out.Expires = time.UnixMilli(env.ExpiresAt)
	}
	return out, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}
	data, err := encodeEnvelope(value, ttl, s.now())
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Put(ctx, key, data)
	if err != nil {
		return 0, fmt.Errorf("kv put: %w", err)
	}
	return rev, nil
}

func (s *NATSStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}
	data, err := encodeEnvelope(value, ttl, s.now())
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, key, data)
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("kv create: %w", err)
	}

	// The key exists server-side; take it over if our envelope says it expired.
	entry, env, gerr := s.raw(ctx, key)
	if gerr == ErrNotFound {
		return 0, ErrKeyExists
	}
	if gerr != nil {
		return 0, gerr
	}
	if !env.expired(s.now()) {
		return 0, ErrKeyExists
	}
	rev, err = s.kv.Update(ctx, key, data, entry.Revision())
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}
	data, err := encodeEnvelope(value, ttl, s.now())
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Update(ctx, key, data, revision)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key, 0); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	rev, err := s.Create(ctx, lockKey(key), nil, ttl)
	if err == ErrKeyExists {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return &natsLock{store: s, key: lockKey(key), revision: rev}, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

type natsLock struct {
	store    *NATSStore
	key      string
	revision uint64
	released atomic.Bool
}

// Unlock deletes the lock key only if nobody re-acquired it after expiry.
func (l *natsLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	ctx, cancel := l.store.withTimeout(ctx)
	defer cancel()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil {
		if isWrongRevision(err) {
			return ErrLockNotHeld
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *natsLock) Key() string {
	return l.key
}
