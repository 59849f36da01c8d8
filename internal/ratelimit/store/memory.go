package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value      int64
	expiration time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]entry
	now    func() time.Time
	closed bool

	cleanup *time.Ticker
	done    chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for expiration.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithCleanupInterval sets how often expired entries are swept. Default one minute.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanup = time.NewTicker(d)
		}
	}
}

// NewMemoryStore creates an in-memory store with a background sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]entry),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanup == nil {
		s.cleanup = time.NewTicker(time.Minute)
	}

	go s.runCleanup()
	return s
}

// lookup returns the live entry for key. Callers hold mu.
func (s *MemoryStore) lookup(key string, now time.Time) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	e, ok := s.lookup(key, s.now())
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

// GetMulti implements Store.
func (s *MemoryStore) GetMulti(ctx context.Context, keys []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	values := make([]int64, len(keys))
	for i, key := range keys {
		if e, ok := s.lookup(key, now); ok {
			values[i] = e.value
		}
	}
	return values, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e := entry{value: value}
	if expiration > 0 {
		e.expiration = s.now().Add(expiration)
	}
	s.data[key] = e
	return nil
}

// Increment implements Store. An existing expiration is kept.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.increment(ctx, key, delta, 0)
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	return s.increment(ctx, key, delta, expiration)
}

func (s *MemoryStore) increment(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok && expiration > 0 {
		e.expiration = now.Add(expiration)
	}
	e.value += delta
	s.data[key] = e
	return e.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close implements Store. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)
	return nil
}

// Size returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) runCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}
