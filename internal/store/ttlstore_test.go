package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestTakeIsExclusive(t *testing.T) {
	s := NewTTLStore[string, int](0)
	defer s.Close()
	s.Set("c1", 7, time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := s.Take("c1"); ok {
				if v != 7 {
					t.Errorf("Take value = %d, want 7", v)
				}
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful takes = %d, want 1", wins.Load())
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after take", s.Len())
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := NewTTLStore[string, string](0)
	if !s.SetIfAbsent("k", "a", time.Minute) {
		t.Fatal("first SetIfAbsent should succeed")
	}
	if s.SetIfAbsent("k", "b", time.Minute) {
		t.Fatal("second SetIfAbsent should fail")
	}
	if v, _ := s.Get("k"); v != "a" {
		t.Errorf("Get = %q, want a", v)
	}
}

func TestExpiryAndSweep(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	var evicted []string
	s := NewTTLStore[string, int](0,
		WithNow[string, int](clock.Now),
		WithEvict(func(k string, _ int) { evicted = append(evicted, k) }),
	)

	s.Set("short", 1, time.Second)
	s.Set("forever", 2, 0)
	clock.Advance(2 * time.Second)

	if _, ok := s.Get("short"); ok {
		t.Error("expired entry still visible")
	}
	if _, ok := s.Take("short"); ok {
		t.Error("Take returned expired entry")
	}

	s.Set("short2", 3, time.Second)
	clock.Advance(2 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "short2" {
		t.Errorf("evicted = %v", evicted)
	}
	if keys := s.Keys(); len(keys) != 1 || keys[0] != "forever" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestTakeAll(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	var evicted atomic.Int32
	s := NewTTLStore[string, int](0,
		WithNow[string, int](clock.Now),
		WithEvict[string, int](func(string, int) { evicted.Add(1) }))
	defer s.Close()

	s.Set("live", 1, time.Minute)
	s.Set("stale", 2, time.Second)
	clock.Advance(2 * time.Second)

	got := s.TakeAll()
	if len(got) != 2 || got["live"] != 1 || got["stale"] != 2 {
		t.Errorf("TakeAll() = %v", got)
	}
	if s.Len() != 0 || s.Sweep() != 0 {
		t.Error("entries left after TakeAll")
	}
	if evicted.Load() != 0 {
		t.Errorf("evictions = %d, want 0", evicted.Load())
	}
}
