package stasis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/registry"
)

const defaultLanguage = "en"

// Session is the per-call context handed to application code. It binds
// one channel to the dispatcher and command client.
type Session struct {
	d         *Dispatcher
	channelID string
	args      []string
	startedAt time.Time

	mu        sync.Mutex
	channel   ari.ChannelData
	resources map[string]string

	answered atomic.Bool
	hungUp   atomic.Bool
}

func newSession(d *Dispatcher, ch ari.ChannelData, args []string) *Session {
	s := &Session{
		d:         d,
		channelID: ch.ID,
		args:      args,
		startedAt: d.clock.Now(),
		channel:   ch,
		resources: make(map[string]string),
	}
	s.answered.Store(ari.Answered(&ch))
	return s
}

func (s *Session) ChannelID() string       { return s.channelID }
func (s *Session) Args() []string          { return s.args }
func (s *Session) Dispatcher() *Dispatcher { return s.d }
func (s *Session) Client() ari.Client      { return s.d.client }

// Channel returns the channel snapshot taken when the session was created.
func (s *Session) Channel() ari.ChannelData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Language is the channel's language, "en" when unset.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel.Language != "" {
		return s.channel.Language
	}
	return defaultLanguage
}

// IsAnswered reports whether the channel is up, as far as this session
// knows.
func (s *Session) IsAnswered() bool { return s.answered.Load() }

// IsHungUp reports whether this session issued a hangup.
func (s *Session) IsHungUp() bool { return s.hungUp.Load() }

// Answer answers the channel unless it is already up.
func (s *Session) Answer(ctx context.Context) error {
	if s.answered.Load() {
		return nil
	}
	err := s.d.exec(ctx, "answer", func(ctx context.Context) error {
		return s.d.client.Channels().Answer(ctx, s.channelID)
	})
	if err != nil {
		return Classify(err)
	}
	s.answered.Store(true)
	s.mu.Lock()
	s.channel.State = ari.ChannelStateUp
	s.mu.Unlock()
	s.d.log.Info("[Session] Answered", "channel_id", s.channelID)
	return nil
}

// Hangup hangs the channel up with the normal reason.
func (s *Session) Hangup(ctx context.Context) error {
	return s.HangupWithReason(ctx, ari.HangupNormal)
}

// HangupWithReason hangs up with normal, busy, congestion or no_answer.
// Only the first successful call on a session sends a command; a channel
// that is already gone counts as hung up. A failed hangup may be retried.
func (s *Session) HangupWithReason(ctx context.Context, reason string) error {
	if !s.hungUp.CompareAndSwap(false, true) {
		return nil
	}
	err := s.d.exec(ctx, "hangup", func(ctx context.Context) error {
		return s.d.client.Channels().Hangup(ctx, s.channelID, reason)
	})
	if err != nil && !ari.IsNotFound(err) {
		s.hungUp.Store(false)
		s.d.log.Warn("[Session] Hangup failed", "channel_id", s.channelID, "error", err)
		return Classify(err)
	}
	s.d.log.Info("[Session] Hung up", "channel_id", s.channelID, "reason", reason)
	return nil
}

// SetVariable sets a channel variable.
func (s *Session) SetVariable(ctx context.Context, name, value string) error {
	return Classify(s.d.exec(ctx, "set variable", func(ctx context.Context) error {
		return s.d.client.Channels().SetVariable(ctx, s.channelID, name, value)
	}))
}

// Mute mutes the channel in direction (in, out, both).
func (s *Session) Mute(ctx context.Context, direction string) error {
	return Classify(s.d.exec(ctx, "mute", func(ctx context.Context) error {
		return s.d.client.Channels().Mute(ctx, s.channelID, direction)
	}))
}

// Unmute reverses Mute.
func (s *Session) Unmute(ctx context.Context, direction string) error {
	return Classify(s.d.exec(ctx, "unmute", func(ctx context.Context) error {
		return s.d.client.Channels().Unmute(ctx, s.channelID, direction)
	}))
}

// On subscribes to events of kind for this session's channel.
func (s *Session) On(kind ari.EventKind, h registry.Handler) *registry.Subscription {
	return s.d.On(kind, s.channelID, h)
}

// Once is On for a single delivery.
func (s *Session) Once(kind ari.EventKind, h registry.Handler) *registry.Subscription {
	return s.d.Once(kind, s.channelID, h)
}

// Play prepares a playback on this channel.
func (s *Session) Play(media string) *Play {
	return newPlay(s.d, channelTarget(s.channelID), media).Language(s.Language())
}

// Record prepares a recording of this channel.
func (s *Session) Record(name string) *Record {
	return newRecord(s.d, channelTarget(s.channelID), name)
}

// Ring prepares ringing indication toward the caller.
func (s *Session) Ring() *Ring {
	return &Ring{s: s}
}

// Dial prepares an outbound call originated on behalf of this session.
func (s *Session) Dial(callerID, endpoint string) *Dial {
	return s.d.Dial(callerID, endpoint).Originator(s.channelID)
}

// SetResource remembers a named sub-resource, such as a conference bridge.
func (s *Session) SetResource(name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[name] = id
}

// Resource looks up a named sub-resource.
func (s *Session) Resource(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resources[name]
	return id, ok
}

// RemoveResource forgets a named sub-resource.
func (s *Session) RemoveResource(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, name)
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ChannelID: s.channelID,
		Caller:    s.channel.GetCaller().GetNumber(),
		Exten:     s.channel.GetDialplan().GetExten(),
		Answered:  s.answered.Load(),
		StartedAt: s.startedAt,
	}
}
