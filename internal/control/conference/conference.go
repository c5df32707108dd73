// Package conference implements named multi-party bridges on top of the
// stasis dispatcher. Membership is tracked locally and confirmed against
// the server when a member leaves: one member left starts music on hold,
// none left destroys the bridge.
package conference

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
	"github.com/sebas/ariflow/internal/control/registry"
	"github.com/sebas/ariflow/internal/control/stasis"
)

const (
	joinedPrompt = "confbridge-has-joined"
	leftPrompt   = "conf-hasleft"
	beepPrompt   = "beep"

	resourcePrefix = "conference:"
)

// Options tune join and leave behaviour.
type Options struct {
	AnswerOnJoin bool
	Beep         bool
	MuteOnJoin   bool
	Announce     bool
	// MOHWhenAlone starts music on hold as soon as the first member joins.
	// Music always starts when a departure leaves a single member.
	MOHWhenAlone  bool
	MOHClass      string
	TalkDetection bool

	// Talk callbacks run on the event delivery path and must not block.
	OnTalkingStarted  func(channelID string)
	OnTalkingFinished func(channelID string, talked time.Duration)
}

// DefaultOptions answers, beeps and announces joining members and enables
// talk detection.
func DefaultOptions() Options {
	return Options{
		AnswerOnJoin:  true,
		Beep:          true,
		Announce:      true,
		TalkDetection: true,
	}
}

// Conference is one named bridge and its members.
type Conference struct {
	d     *stasis.Dispatcher
	ops   *BridgeOps
	name  string
	opts  Options
	owner *stasis.Session
	log   *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	members map[string][]*registry.Subscription
	moh     bool
	rec     *stasis.Record

	done *command.Future[struct{}]
}

func newConference(d *stasis.Dispatcher, bridgeID, name string, opts Options) *Conference {
	c := &Conference{
		d:       d,
		ops:     NewBridgeOps(d, bridgeID, opts.MOHClass),
		name:    name,
		opts:    opts,
		log:     d.Logger().With("bridge_id", bridgeID, "conference", name),
		members: make(map[string][]*registry.Subscription),
		done:    command.NewFuture[struct{}](),
	}
	c.state.Store(int32(StateCreating))
	return c
}

// Create creates a new conference bridge with a generated id.
func Create(ctx context.Context, d *stasis.Dispatcher, name string, opts Options) (*Conference, error) {
	c := newConference(d, uuid.NewString(), name, opts)
	if err := c.create(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Attach wraps a bridge that already exists without issuing a create.
func Attach(d *stasis.Dispatcher, bridgeID, name string, opts Options) *Conference {
	c := newConference(d, bridgeID, name, opts)
	c.state.Store(int32(StateReady))
	return c
}

// ForSession returns the session's conference called name, creating the
// bridge and recording it in the session's resources the first time.
func ForSession(ctx context.Context, s *stasis.Session, name string, opts Options) (*Conference, error) {
	if id, ok := s.Resource(resourcePrefix + name); ok {
		c := Attach(s.Dispatcher(), id, name, opts)
		c.owner = s
		return c, nil
	}
	c := newConference(s.Dispatcher(), uuid.NewString(), name, opts)
	c.owner = s
	if err := c.create(ctx); err != nil {
		return nil, err
	}
	s.SetResource(resourcePrefix+name, c.BridgeID())
	return c, nil
}

func (c *Conference) create(ctx context.Context) error {
	if err := c.ops.Create(ctx, c.name); err != nil {
		c.state.Store(int32(StateDestroyed))
		c.done.Reject(err)
		c.log.Error("[Conference] Create failed", "error", err)
		return &ConferenceError{Step: "create", BridgeID: c.BridgeID(), Err: err}
	}
	c.state.Store(int32(StateReady))
	c.d.Publish(events.Conference(events.ConferenceCreated, c.BridgeID(), ""))
	c.log.Info("[Conference] Ready")
	return nil
}

func (c *Conference) BridgeID() string { return c.ops.BridgeID() }
func (c *Conference) Name() string     { return c.name }
func (c *Conference) State() State     { return State(c.state.Load()) }

// Done resolves when the bridge has been destroyed.
func (c *Conference) Done() *command.Future[struct{}] { return c.done }

// Members returns the ids of channels joined through this conference,
// including any whose add is still in flight.
func (c *Conference) Members() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Count returns the local member count.
func (c *Conference) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// MOHPlaying reports whether music on hold was started and not stopped.
func (c *Conference) MOHPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moh
}

// Join adds the session's channel. Steps run in order: answer, add, beep,
// mute, announce. A failed step aborts the join and leaves the earlier
// steps in place.
func (c *Conference) Join(ctx context.Context, s *stasis.Session) error {
	ch := s.ChannelID()
	fail := func(step string, err error) error {
		c.log.Warn("[Conference] Join failed", "channel_id", ch, "step", step, "error", err)
		return &ConferenceError{Step: step, BridgeID: c.BridgeID(), ChannelID: ch, Err: err}
	}
	if c.State() != StateReady {
		return fail("join", ErrNotReady)
	}

	if c.opts.AnswerOnJoin {
		if err := s.Answer(ctx); err != nil {
			return fail("answer", err)
		}
	}
	if c.opts.TalkDetection {
		if err := s.SetVariable(ctx, "TALK_DETECT(set)", ""); err != nil {
			c.log.Warn("[Conference] Talk detection unavailable", "channel_id", ch, "error", err)
		}
	}
	// Subscribed before the add command: the server may report the
	// channel leaving before the add reply is processed.
	subs, added := c.addMember(ch)
	if err := c.ops.Add(ctx, ch); err != nil {
		if added {
			c.dropMember(ch, subs)
		}
		return fail("add", err)
	}

	count, present := c.memberCount(ch)
	if added && !present {
		c.log.Info("[Conference] Member left before join completed", "channel_id", ch)
		return nil
	}
	if added {
		c.log.Info("[Conference] Member joined", "channel_id", ch, "members", count)
		c.d.Publish(events.Conference(events.ConferenceJoined, c.BridgeID(), ch))
		switch {
		case count >= 2:
			c.stopMOH(ctx)
		case count == 1 && c.opts.MOHWhenAlone:
			c.startMOH(ctx)
		}
	}

	if c.opts.Beep {
		if err := c.ops.Play(beepPrompt).Run(ctx); err != nil {
			return fail("beep", err)
		}
	}
	if c.opts.MuteOnJoin {
		if err := s.Mute(ctx, "in"); err != nil {
			return fail("mute", err)
		}
	}
	if c.opts.Announce {
		if err := c.ops.Play(joinedPrompt).Run(ctx); err != nil {
			return fail("announce", err)
		}
	}
	return nil
}

// addMember records ch and its subscriptions. It returns the
// subscriptions and whether ch was new; an existing member keeps its own.
func (c *Conference) addMember(ch string) ([]*registry.Subscription, bool) {
	subs := []*registry.Subscription{
		c.d.On(ari.KindChannelLeftBridge, ch, func(ev *ari.Event) registry.HandlerResult {
			if ev.Bridge == nil || ev.Bridge.ID != c.BridgeID() {
				return registry.Continue
			}
			c.memberLeft(ch)
			return registry.Done
		}),
	}
	if fn := c.opts.OnTalkingStarted; fn != nil {
		subs = append(subs, c.d.On(ari.KindChannelTalkingStarted, ch, func(*ari.Event) registry.HandlerResult {
			fn(ch)
			return registry.Continue
		}))
	}
	if fn := c.opts.OnTalkingFinished; fn != nil {
		subs = append(subs, c.d.On(ari.KindChannelTalkingFinished, ch, func(ev *ari.Event) registry.HandlerResult {
			fn(ch, time.Duration(ev.Duration)*time.Millisecond)
			return registry.Continue
		}))
	}

	c.mu.Lock()
	_, exists := c.members[ch]
	if !exists {
		c.members[ch] = subs
	}
	c.mu.Unlock()

	if exists {
		for _, s := range subs {
			s.Unregister()
		}
		return nil, false
	}
	return subs, true
}

// dropMember undoes addMember after a failed add, unless ch already left
// or was replaced.
func (c *Conference) dropMember(ch string, subs []*registry.Subscription) {
	c.mu.Lock()
	if cur, ok := c.members[ch]; ok && len(cur) > 0 && cur[0] == subs[0] {
		delete(c.members, ch)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.Unregister()
	}
}

// memberCount returns the member count and whether ch is among them.
func (c *Conference) memberCount(ch string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[ch]
	return len(c.members), ok
}

// memberLeft removes ch once; later notifications for the same channel
// are ignored. Follow-up work runs off the delivery path.
func (c *Conference) memberLeft(ch string) bool {
	c.mu.Lock()
	subs, ok := c.members[ch]
	if ok {
		delete(c.members, ch)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	for _, s := range subs {
		s.Unregister()
	}
	c.log.Info("[Conference] Member left", "channel_id", ch)
	c.d.Publish(events.Conference(events.ConferenceLeft, c.BridgeID(), ch))
	c.d.Go(func() { c.afterLeave(c.d.Context()) })
	return true
}

func (c *Conference) afterLeave(ctx context.Context) {
	if c.State() != StateReady {
		return
	}
	if c.opts.Announce {
		if err := c.ops.Play(leftPrompt).Run(ctx); err != nil {
			c.log.Warn("[Conference] Leave announcement failed", "error", err)
		}
	}

	n, err := c.ops.MemberCount(ctx)
	if err != nil {
		c.log.Warn("[Conference] Member count failed, using local count", "error", err)
		n = c.Count()
	}
	switch n {
	case 0:
		if err := c.Destroy(ctx); err != nil {
			c.log.Warn("[Conference] Destroy failed", "error", err)
		}
	case 1:
		c.startMOH(ctx)
	}
}

// Leave removes a member from the bridge.
func (c *Conference) Leave(ctx context.Context, channelID string) error {
	c.mu.Lock()
	_, ok := c.members[channelID]
	c.mu.Unlock()
	if !ok {
		return &ConferenceError{Step: "leave", BridgeID: c.BridgeID(), ChannelID: channelID, Err: ErrNotMember}
	}
	if err := c.ops.Remove(ctx, channelID); err != nil {
		return &ConferenceError{Step: "leave", BridgeID: c.BridgeID(), ChannelID: channelID, Err: err}
	}
	c.memberLeft(channelID)
	return nil
}

// Announce plays media to every member and waits for it to finish.
func (c *Conference) Announce(ctx context.Context, media string) error {
	if c.State() != StateReady {
		return &ConferenceError{Step: "announce", BridgeID: c.BridgeID(), Err: ErrNotReady}
	}
	if err := c.ops.Play(media).Run(ctx); err != nil {
		return &ConferenceError{Step: "announce", BridgeID: c.BridgeID(), Err: err}
	}
	return nil
}

func (c *Conference) startMOH(ctx context.Context) {
	c.mu.Lock()
	if c.moh {
		c.mu.Unlock()
		return
	}
	c.moh = true
	c.mu.Unlock()

	if err := c.ops.StartMOH(ctx); err != nil {
		c.mu.Lock()
		c.moh = false
		c.mu.Unlock()
		c.log.Warn("[Conference] MOH start failed", "error", err)
		return
	}
	c.log.Debug("[Conference] MOH started")
}

func (c *Conference) stopMOH(ctx context.Context) {
	c.mu.Lock()
	if !c.moh {
		c.mu.Unlock()
		return
	}
	c.moh = false
	c.mu.Unlock()

	if err := c.ops.StopMOH(ctx); err != nil {
		c.log.Warn("[Conference] MOH stop failed", "error", err)
		return
	}
	c.log.Debug("[Conference] MOH stopped")
}

// StartMOH starts music on hold regardless of membership.
func (c *Conference) StartMOH(ctx context.Context) error {
	if err := c.ops.StartMOH(ctx); err != nil {
		return &ConferenceError{Step: "start moh", BridgeID: c.BridgeID(), Err: err}
	}
	c.mu.Lock()
	c.moh = true
	c.mu.Unlock()
	return nil
}

// StopMOH stops music on hold.
func (c *Conference) StopMOH(ctx context.Context) error {
	if err := c.ops.StopMOH(ctx); err != nil {
		return &ConferenceError{Step: "stop moh", BridgeID: c.BridgeID(), Err: err}
	}
	c.mu.Lock()
	c.moh = false
	c.mu.Unlock()
	return nil
}

// Record prepares a recording of the bridge. The caller starts it; it is
// stopped when the conference is destroyed.
func (c *Conference) Record(name string) *stasis.Record {
	rec := c.ops.Record(name)
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
	return rec
}

// StopRecording stops the recording started through Record.
func (c *Conference) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec == nil {
		return ErrNoRecording
	}
	return rec.Stop(ctx)
}

// Destroy tears the bridge down. Only the first call does anything.
func (c *Conference) Destroy(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateDestroying)) {
		return nil
	}
	c.mu.Lock()
	rec, members := c.rec, c.members
	c.rec = nil
	c.members = make(map[string][]*registry.Subscription)
	c.mu.Unlock()

	if rec != nil {
		if err := rec.Stop(ctx); err != nil {
			c.log.Warn("[Conference] Recording stop failed", "error", err)
		}
	}
	for _, subs := range members {
		for _, s := range subs {
			s.Unregister()
		}
	}

	err := c.ops.Destroy(ctx)
	c.state.Store(int32(StateDestroyed))
	if c.owner != nil {
		c.owner.RemoveResource(resourcePrefix + c.name)
	}
	c.d.Publish(events.Conference(events.ConferenceDestroyed, c.BridgeID(), ""))
	c.log.Info("[Conference] Destroyed")
	c.done.Resolve(struct{}{})
	if err != nil {
		return &ConferenceError{Step: "destroy", BridgeID: c.BridgeID(), Err: err}
	}
	return nil
}
