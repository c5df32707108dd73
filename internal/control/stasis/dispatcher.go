// Package stasis runs call-control applications on top of the event stream:
// the dispatcher that routes events, the per-call Session, and the
// cancelable Play, Record, Ring and Dial operations.
package stasis

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
	"github.com/sebas/ariflow/internal/control/registry"
	"github.com/sebas/ariflow/internal/store"
)

// hangupExten is the dialplan extension a channel enters for hangup
// cleanup. Such session starts are ignored.
const hangupExten = "h"

// Config configures a Dispatcher.
type Config struct {
	App       string
	Client    ari.Client
	Policy    command.Policy
	Clock     command.Clock
	ClaimTTL  time.Duration
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Subscriptions  int    `json:"subscriptions"`
	ActiveSessions int    `json:"active_sessions"`
	PendingClaims  int    `json:"pending_claims"`
	EventsReceived uint64 `json:"events_received"`
	SessionsRun    uint64 `json:"sessions_run"`
	AppFailures    uint64 `json:"app_failures"`
}

type claim struct {
	session *command.Future[*Session]
}

// Dispatcher owns event routing for one application. HandleEvent is the
// single ordered delivery path; application code runs on a worker pool.
type Dispatcher struct {
	app       string
	client    ari.Client
	reg       *registry.Registry
	claims    *store.TTLStore[string, *claim]
	claimTTL  time.Duration
	workers   *pool.Pool
	publisher events.Publisher
	log       *slog.Logger
	policy    command.Policy
	clock     command.Clock

	factory atomic.Pointer[Factory]

	ctx    context.Context
	cancel context.CancelFunc

	// closeMu orders Close against task submission and new claims.
	closeMu sync.RWMutex
	closed  bool

	mu     sync.Mutex
	active map[string]*Session

	eventsReceived atomic.Uint64
	sessionsRun    atomic.Uint64
	appFailures    atomic.Uint64
}

// NewDispatcher creates a dispatcher. Until an application is registered
// every inbound call is answered and hung up.
func NewDispatcher(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Policy == (command.Policy{}) {
		cfg.Policy = command.DefaultPolicy
	}
	if cfg.Clock == nil {
		cfg.Clock = command.SystemClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		app:       cfg.App,
		client:    cfg.Client,
		reg:       registry.New(log),
		claimTTL:  cfg.ClaimTTL,
		workers:   pool.New(),
		publisher: cfg.Publisher,
		log:       log,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*Session),
	}
	d.claims = store.NewTTLStore[string, *claim](sweepInterval(cfg.ClaimTTL),
		store.WithEvict(func(channelID string, c *claim) {
			d.log.Warn("[Dispatcher] Channel claim expired", "channel_id", channelID)
			c.session.Reject(ErrClaimExpired)
		}))

	d.reg.Register(ari.KindStasisEnd, registry.Global, func(ev *ari.Event) registry.HandlerResult {
		if ev.Channel != nil {
			d.untrack(ev.Channel.ID)
		}
		return registry.Continue
	})
	return d
}

func sweepInterval(ttl time.Duration) time.Duration {
	if iv := ttl / 4; iv > time.Second {
		return iv
	}
	return time.Second
}

// App returns the application name.
func (d *Dispatcher) App() string { return d.app }

// Client returns the command client.
func (d *Dispatcher) Client() ari.Client { return d.client }

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.log }

// Clock returns the clock used for retries and timeouts.
func (d *Dispatcher) Clock() command.Clock { return d.clock }

// Context is cancelled when the dispatcher closes. Background work started
// through Go should use it.
func (d *Dispatcher) Context() context.Context { return d.ctx }

// CommandOptions returns the retry options every command of this
// dispatcher runs with, followed by extra.
func (d *Dispatcher) CommandOptions(extra ...command.Option) []command.Option {
	opts := []command.Option{
		command.WithPolicy(d.policy),
		command.WithClock(d.clock),
		command.WithLogger(d.log),
	}
	return append(opts, extra...)
}

// exec runs a retried command and waits for it.
func (d *Dispatcher) exec(ctx context.Context, op string, fn func(context.Context) error, extra ...command.Option) error {
	_, err := command.Exec(ctx, op, fn, d.CommandOptions(extra...)...).Await(ctx)
	return err
}

// Publish sends a lifecycle event. Failures are logged only.
func (d *Dispatcher) Publish(ev events.Event) {
	ev.App = d.app
	if err := d.publisher.Publish(d.ctx, ev); err != nil {
		d.log.Warn("[Dispatcher] Publish failed", "type", string(ev.Type), "error", err)
	}
}

// On registers a persistent handler for (kind, key).
func (d *Dispatcher) On(kind ari.EventKind, key string, h registry.Handler) *registry.Subscription {
	return d.reg.Register(kind, key, h)
}

// Once registers a handler removed after its first invocation.
func (d *Dispatcher) Once(kind ari.EventKind, key string, h registry.Handler) *registry.Subscription {
	return d.reg.RegisterOnce(kind, key, h)
}

// Off removes a subscription.
func (d *Dispatcher) Off(sub *registry.Subscription) {
	sub.Unregister()
}

// Go runs fn on the worker pool with panic containment. After Close it
// does nothing.
func (d *Dispatcher) Go(fn func()) {
	d.spawn(fn)
}

func (d *Dispatcher) spawn(fn func()) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	d.workers.Go(func() {
		if r := panics.Try(fn); r != nil {
			d.log.Error("[Dispatcher] Task panicked", "error", r.AsError())
		}
	})
	return true
}

func (d *Dispatcher) isClosed() bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	return d.closed
}

// HandleEvent is the delivery path. It must be called from one goroutine
// in receipt order.
func (d *Dispatcher) HandleEvent(ev *ari.Event) {
	if d.isClosed() {
		return
	}
	d.eventsReceived.Add(1)
	if ev.Kind == ari.KindStasisStart {
		d.handleStasisStart(ev)
	}
	d.reg.Dispatch(ev)
}

func (d *Dispatcher) handleStasisStart(ev *ari.Event) {
	if ev.Channel == nil {
		d.log.Warn("[Dispatcher] Session start without channel", "error", ErrNoChannel)
		return
	}
	ch := *ev.Channel
	if ch.GetDialplan().GetExten() == hangupExten {
		d.log.Debug("[Dispatcher] Ignoring hangup extension", "channel_id", ch.ID)
		return
	}

	sess := newSession(d, ch, ev.Args)
	d.track(sess)

	if c, ok := d.claims.Take(ch.ID); ok {
		d.log.Info("[Dispatcher] Channel claimed", "channel_id", ch.ID)
		d.Publish(events.Session(events.SessionClaimed, ch.ID))
		if !d.spawn(func() { c.session.Resolve(sess) }) {
			c.session.Reject(ErrClosed)
		}
		return
	}

	d.log.Info("[Dispatcher] Session started", "channel_id", ch.ID, "caller", ch.GetCaller().GetNumber(), "exten", ch.GetDialplan().GetExten())
	d.Publish(events.Session(events.SessionStarted, ch.ID))
	d.Go(func() { d.runApplication(sess) })
}

func (d *Dispatcher) runApplication(sess *Session) {
	d.sessionsRun.Add(1)
	app := d.newApplication(sess.ChannelID())

	var err error
	if r := panics.Try(func() { err = app.Run(d.ctx, sess) }); r != nil {
		err = r.AsError()
	}
	if err == nil {
		d.Publish(events.Session(events.SessionFinished, sess.ChannelID()))
		return
	}

	d.appFailures.Add(1)
	d.log.Error("[Dispatcher] Application failed, hanging up", "channel_id", sess.ChannelID(), "error", err)
	failed := events.Session(events.SessionFailed, sess.ChannelID())
	failed.Detail = err.Error()
	d.Publish(failed)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), 10*time.Second)
	defer cancel()
	if herr := sess.Hangup(ctx); herr != nil {
		d.log.Warn("[Dispatcher] Safety hangup failed", "channel_id", sess.ChannelID(), "error", herr)
	}
}

// ClaimChannel reserves the next session start of channelID for the
// caller instead of the default application. Use it for channels the
// application creates itself. Only one claim per channel may be pending.
func (d *Dispatcher) ClaimChannel(channelID string) (*command.Future[*Session], error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	c := &claim{session: command.NewFuture[*Session]()}
	if !d.claims.SetIfAbsent(channelID, c, d.claimTTL) {
		return nil, ErrAlreadyClaimed
	}
	return c.session, nil
}

// ReleaseClaim drops a pending claim, failing its future with
// command.ErrCancelled. It reports whether a claim was pending.
func (d *Dispatcher) ReleaseClaim(channelID string) bool {
	c, ok := d.claims.Take(channelID)
	if ok {
		c.session.Reject(command.ErrCancelled)
	}
	return ok
}

// SessionFor wraps an existing channel in a fresh Session. The result is
// independent of any Session the inbound path created for the channel.
func (d *Dispatcher) SessionFor(ctx context.Context, channelID string) (*Session, error) {
	ch, err := command.Do(ctx, "get channel", func(ctx context.Context) (*ari.ChannelData, error) {
		return d.client.Channels().Get(ctx, channelID)
	}, d.CommandOptions()...).Await(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return newSession(d, *ch, nil), nil
}

// ActiveChannels lists the channels the server currently knows about.
func (d *Dispatcher) ActiveChannels(ctx context.Context) ([]ari.ChannelData, error) {
	return command.Do(ctx, "list channels", func(ctx context.Context) ([]ari.ChannelData, error) {
		return d.client.Channels().List(ctx)
	}, d.CommandOptions()...).Await(ctx)
}

func (d *Dispatcher) track(s *Session) {
	d.mu.Lock()
	d.active[s.ChannelID()] = s
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(channelID string) {
	d.mu.Lock()
	delete(d.active, channelID)
	d.mu.Unlock()
}

// SessionInfo describes a tracked session.
type SessionInfo struct {
	ChannelID string    `json:"channel_id"`
	Caller    string    `json:"caller"`
	Exten     string    `json:"exten"`
	Answered  bool      `json:"answered"`
	StartedAt time.Time `json:"started_at"`
}

// Sessions lists sessions started through the inbound path that have not
// left the application, ordered by start time.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.Lock()
	out := make([]SessionInfo, 0, len(d.active))
	for _, s := range d.active {
		out = append(out, s.info())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	active := len(d.active)
	d.mu.Unlock()
	return Stats{
		Subscriptions:  d.reg.Len(),
		ActiveSessions: active,
		PendingClaims:  d.claims.Len(),
		EventsReceived: d.eventsReceived.Load(),
		SessionsRun:    d.sessionsRun.Load(),
		AppFailures:    d.appFailures.Load(),
	}
}

// Close stops accepting events and work, fails pending claims with
// ErrClosed, cancels running applications and waits for them to return.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	for channelID, c := range d.claims.TakeAll() {
		d.log.Debug("[Dispatcher] Claim dropped on close", "channel_id", channelID)
		c.session.Reject(ErrClosed)
	}
	d.cancel()
	d.workers.Wait()
	d.claims.Close()
}
