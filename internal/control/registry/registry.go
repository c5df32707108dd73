// Package registry matches inbound events to the subscriptions waiting on
// them.
//
// The subscription table is copy-on-write: Dispatch iterates an immutable
// snapshot without holding a lock, while Register and Unregister build a new
// table under a writer mutex and swap it in atomically. A subscription
// removed during a dispatch is skipped if the dispatch has not reached it
// yet; one registered during a dispatch is first seen by the next event.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/sebas/ariflow/internal/ari"
)

// HandlerResult tells the registry whether to keep a subscription.
type HandlerResult int

const (
	// Continue keeps the subscription registered.
	Continue HandlerResult = iota
	// Done unregisters the subscription.
	Done
)

// Handler processes one matched event.
type Handler func(ev *ari.Event) HandlerResult

// Global is the correlation key of subscriptions that match every event of
// their kind.
const Global = ""

// Subscription is one registered interest in (kind, key).
type Subscription struct {
	id      uint64
	kind    ari.EventKind
	key     string
	handler Handler
	once    bool

	reg     *Registry
	removed atomic.Bool
}

// ID returns the registry-unique id.
func (s *Subscription) ID() uint64 { return s.id }

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() ari.EventKind { return s.kind }

// Key returns the correlation key, Global for a kind-wide subscription.
func (s *Subscription) Key() string { return s.key }

// Active reports whether the subscription can still be invoked.
func (s *Subscription) Active() bool { return !s.removed.Load() }

// Unregister removes the subscription. Safe to call repeatedly and from
// inside its own handler.
func (s *Subscription) Unregister() {
	if s == nil {
		return
	}
	if s.removed.CompareAndSwap(false, true) {
		s.reg.remove(s)
	}
}

type table map[ari.EventKind][]*Subscription

// Registry is the process-wide subscription table.
type Registry struct {
	mu     sync.Mutex // serializes writers
	subs   atomic.Pointer[table]
	nextID atomic.Uint64
	log    *slog.Logger
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	r.subs.Store(&table{})
	return r
}

// Register subscribes handler to events of kind whose correlation key is
// key. Pass Global to receive every event of the kind.
func (r *Registry) Register(kind ari.EventKind, key string, handler Handler) *Subscription {
	return r.add(kind, key, handler, false)
}

// RegisterOnce is Register for a subscription removed after its first
// invocation.
func (r *Registry) RegisterOnce(kind ari.EventKind, key string, handler Handler) *Subscription {
	return r.add(kind, key, handler, true)
}

func (r *Registry) add(kind ari.EventKind, key string, handler Handler, once bool) *Subscription {
	s := &Subscription{
		id:      r.nextID.Add(1),
		kind:    kind,
		key:     key,
		handler: handler,
		once:    once,
		reg:     r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.subs.Load()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	list := make([]*Subscription, len(old[kind]), len(old[kind])+1)
	copy(list, old[kind])
	next[kind] = append(list, s)
	r.subs.Store(&next)
	return s
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.subs.Load()
	list := old[s.kind]
	idx := -1
	for i, cur := range list {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	next := make(table, len(old))
	for k, v := range old {
		next[k] = v
	}
	if len(list) == 1 {
		delete(next, s.kind)
	} else {
		trimmed := make([]*Subscription, 0, len(list)-1)
		trimmed = append(trimmed, list[:idx]...)
		trimmed = append(trimmed, list[idx+1:]...)
		next[s.kind] = trimmed
	}
	r.subs.Store(&next)
}

// Unregister removes a subscription. Equivalent to s.Unregister().
func (r *Registry) Unregister(s *Subscription) {
	s.Unregister()
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	n := 0
	for _, list := range *r.subs.Load() {
		n += len(list)
	}
	return n
}

// Dispatch invokes every subscription matching the event, in registration
// order, and returns how many handlers ran. Events without a correlation
// key reach only Global subscriptions. A panicking handler is logged and
// does not stop delivery to the rest.
func (r *Registry) Dispatch(ev *ari.Event) int {
	key := ev.CorrelationKey()
	snapshot := (*r.subs.Load())[ev.Kind]

	invoked := 0
	for _, s := range snapshot {
		if s.key != Global && (key == "" || s.key != key) {
			continue
		}
		if s.once {
			// claim before running so concurrent dispatches cannot both fire it
			if !s.removed.CompareAndSwap(false, true) {
				continue
			}
			r.remove(s)
		} else if s.removed.Load() {
			continue
		}

		invoked++
		if r.invoke(s, ev) == Done && !s.once {
			s.Unregister()
		}
	}
	return invoked
}

func (r *Registry) invoke(s *Subscription, ev *ari.Event) HandlerResult {
	var result HandlerResult
	recovered := panics.Try(func() { result = s.handler(ev) })
	if recovered != nil {
		r.log.Error("[Registry] Handler panicked",
			"event", ev.Kind.String(),
			"key", s.key,
			"subscription", s.id,
			"error", recovered.AsError())
		return Continue
	}
	return result
}
