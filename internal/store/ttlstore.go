// Package store provides a generic in-memory table with per-entry expiry.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with its expiry.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TTLStore is a concurrent map whose entries expire. Expired entries are
// invisible to readers and are swept periodically; the sweep reports them
// through the eviction callback.
type TTLStore[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*Entry[V]
	onEvict func(key K, value V)
	now     func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a TTLStore.
type Option[K comparable, V any] func(*TTLStore[K, V])

// WithEvict sets the callback invoked for entries removed by expiry (not by
// Delete or Take).
func WithEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// WithNow overrides the time source.
func WithNow[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// NewTTLStore creates a store. A positive sweepInterval starts a background
// sweep goroutine stopped by Close.
func NewTTLStore[K comparable, V any](sweepInterval time.Duration, opts ...Option[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*Entry[V]),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *TTLStore[K, V]) entry(value V, ttl time.Duration) *Entry[V] {
	e := &Entry[V]{Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl)
	}
	return e
}

// Set stores value under key, replacing any existing entry. ttl <= 0 never
// expires.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = s.entry(value, ttl)
}

// SetIfAbsent stores value only when no live entry exists for key and
// reports whether it did.
func (s *TTLStore[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok && !e.expired(s.now()) {
		return false
	}
	s.items[key] = s.entry(value, ttl)
	return true
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.expired(s.now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Take removes and returns the live value for key in one step. Of any
// number of concurrent callers for the same key at most one gets ok=true.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, ok := s.items[key]
	if !ok {
		return zero, false
	}
	delete(s.items, key)
	if e.expired(s.now()) {
		return zero, false
	}
	return e.Value, true
}

// Delete removes key and reports whether it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the keys of live entries in no particular order.
func (s *TTLStore[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]K, 0, len(s.items))
	for k, e := range s.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// TakeAll removes every entry, expired ones included, and returns their
// values. The eviction callback is not invoked.
func (s *TTLStore[K, V]) TakeAll() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[K]V, len(s.items))
	for k, e := range s.items {
		out[k] = e.Value
	}
	s.items = make(map[K]*Entry[V])
	return out
}

// Close stops the sweep goroutine. Entries are kept.
func (s *TTLStore[K, V]) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes expired entries now and returns how many it removed.
func (s *TTLStore[K, V]) Sweep() int {
	type kv struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []kv
	for k, e := range s.items {
		if e.expired(now) {
			expired = append(expired, kv{k, e.Value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// callbacks run unlocked so they may touch the store
	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
	return len(expired)
}
