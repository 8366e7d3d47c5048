package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process Store. Good for tests and single-node runs.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*memEntry
	revision uint64
	now      func() time.Time
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type memEntry struct {
	value    []byte
	revision uint64
	modified time.Time
	expires  time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// NewMemoryStore creates a MemoryStore and starts its expiry sweeper.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	s := &MemoryStore{
		data:          make(map[string]*memEntry),
		now:           o.now,
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}

// live returns the entry for key if present and unexpired. Caller holds mu.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return nil
	}
	return e
}

// write stores value under key. Caller holds mu.
func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) uint64 {
	now := s.now()
	s.revision++
	val := make([]byte, len(value))
	copy(val, value)
	e := &memEntry{value: val, revision: s.revision, modified: now}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.data[key] = e
	return e.revision
}

func (s *MemoryStore) check(key string, ttl time.Duration) error {
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

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.check(key, 0); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return &Entry{
		Key:      key,
		Value:    val,
		Revision: e.revision,
		Modified: e.modified,
		Expires:  e.expires,
	}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value, ttl), nil
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return 0, ErrKeyExists
	}
	return s.write(key, value, ttl), nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64, ttl time.Duration) (uint64, error) {
	if err := s.check(key, ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value, ttl), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key, 0); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
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
	return &memoryLock{store: s, key: lockKey(key), revision: rev}, nil
}

// Close stops the sweeper and drops all data. Safe to call twice.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

type memoryLock struct {
	store    *MemoryStore
	key      string
	revision uint64
	released atomic.Bool
}

// Unlock releases the lease unless it already lapsed and was taken by someone else.
func (l *memoryLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	s := l.store
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(l.key)
	if e == nil || e.revision != l.revision {
		return ErrLockNotHeld
	}
	delete(s.data, l.key)
	return nil
}

func (l *memoryLock) Key() string {
	return l.key
}
