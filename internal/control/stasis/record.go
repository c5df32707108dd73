package stasis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/registry"
)

const (
	TerminateNone = "none"
	TerminateAny  = "any"
)

// Record captures audio from a channel or bridge. It ends on whichever
// comes first: the server finishing the recording, a terminating DTMF
// digit, the channel hanging up, or the duration timer. All of them go
// through Stop, and every subscription is torn down together.
type Record struct {
	d           *Dispatcher
	target      target
	name        string
	format      string
	ifExists    string
	maxDuration time.Duration
	maxSilence  time.Duration
	beep        bool
	terminateOn string
	talkDetect  bool

	gate      stopGate
	stopCtx   context.Context
	mu        sync.Mutex
	subs      []*registry.Subscription
	timer     command.Timer
	finished  bool
	rec       *ari.LiveRecordingData
	startedAt time.Time
	endedAt   time.Time

	termKey atomic.Bool
	talking atomic.Bool

	startOnce sync.Once
	done      *command.Future[*ari.LiveRecordingData]
	stopOnce  sync.Once
	stopErr   error
}

func newRecord(d *Dispatcher, t target, name string) *Record {
	return &Record{
		d:           d,
		target:      t,
		name:        name,
		format:      "ulaw",
		ifExists:    "overwrite",
		terminateOn: TerminateNone,
		talkDetect:  t.kind == "channel",
		done:        command.NewFuture[*ari.LiveRecordingData](),
	}
}

// RecordBridge prepares a recording of a bridge's mixed audio.
func (d *Dispatcher) RecordBridge(bridgeID, name string) *Record {
	return newRecord(d, bridgeTarget(bridgeID), name)
}

func (r *Record) Format(format string) *Record        { r.format = format; return r }
func (r *Record) IfExists(policy string) *Record      { r.ifExists = policy; return r }
func (r *Record) MaxDuration(d time.Duration) *Record { r.maxDuration = d; return r }
func (r *Record) MaxSilence(d time.Duration) *Record  { r.maxSilence = d; return r }
func (r *Record) Beep(beep bool) *Record              { r.beep = beep; return r }
func (r *Record) TalkDetection(on bool) *Record       { r.talkDetect = on; return r }

// TerminateOn sets the digits that end the recording: a set such as "#*",
// "any" for every digit, or "none".
func (r *Record) TerminateOn(keys string) *Record {
	if keys == "" {
		keys = TerminateNone
	}
	r.terminateOn = keys
	return r
}

func (r *Record) Name() string { return r.name }

// TermKeyPressed reports whether a terminating digit ended the recording.
func (r *Record) TermKeyPressed() bool { return r.termKey.Load() }

// TalkingDetected reports whether speech was detected while recording.
func (r *Record) TalkingDetected() bool { return r.talking.Load() }

// Recording returns the last known server state of the recording.
func (r *Record) Recording() *ari.LiveRecordingData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

// StartedAt returns when the server acknowledged the recording.
func (r *Record) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Duration is the server-reported length when known, otherwise the time
// between start and finish.
func (r *Record) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil && r.rec.Duration > 0 {
		return time.Duration(r.rec.Duration)
	}
	if r.startedAt.IsZero() || r.endedAt.IsZero() {
		return 0
	}
	return r.endedAt.Sub(r.startedAt)
}

func (r *Record) terminates(digit string) bool {
	switch r.terminateOn {
	case TerminateNone:
		return false
	case TerminateAny:
		return digit != ""
	}
	return digit != "" && strings.Contains(r.terminateOn, digit)
}

// Start begins recording in the background.
func (r *Record) Start(ctx context.Context) *command.Future[*ari.LiveRecordingData] {
	r.startOnce.Do(func() {
		r.stopCtx = context.WithoutCancel(ctx)
		go r.run(ctx)
	})
	return r.done
}

// Run records and waits for the recording to end.
func (r *Record) Run(ctx context.Context) (*ari.LiveRecordingData, error) {
	rec, err := r.Start(ctx).Await(ctx)
	if err != nil && ctx.Err() != nil {
		_ = r.Stop(context.WithoutCancel(ctx))
	}
	return rec, err
}

func (r *Record) run(ctx context.Context) {
	if r.beep {
		if err := newPlay(r.d, r.target, "beep").Run(ctx); err != nil {
			r.finish(nil, &RecordingError{Name: r.name, Err: err})
			return
		}
	}
	if r.gate.isCancelled() {
		r.finish(nil, command.ErrCancelled)
		return
	}

	if r.talkDetect && r.target.kind == "channel" {
		err := r.d.exec(ctx, "talk detect", func(ctx context.Context) error {
			return r.d.client.Channels().SetVariable(ctx, r.target.id, "TALK_DETECT(set)", "")
		})
		if err != nil {
			r.d.log.Warn("[Record] Talk detection unavailable", "channel_id", r.target.id, "error", err)
		}
	}

	r.subscribe()

	opts := ari.RecordingOptions{
		Format:      r.format,
		MaxDuration: r.maxDuration,
		MaxSilence:  r.maxSilence,
		Exists:      r.ifExists,
		Terminate:   TerminateNone,
	}
	rec, err := command.Do(ctx, "record", func(ctx context.Context) (*ari.LiveRecordingData, error) {
		if r.target.kind == "bridge" {
			return r.d.client.Bridges().Record(ctx, r.target.id, r.name, opts)
		}
		return r.d.client.Channels().Record(ctx, r.target.id, r.name, opts)
	}, r.d.CommandOptions(command.WithCancelled(r.gate.isCancelled))...).Await(ctx)
	if err != nil {
		if errors.Is(err, command.ErrCancelled) {
			r.finish(nil, command.ErrCancelled)
			return
		}
		r.finish(nil, &RecordingError{Name: r.name, Err: Classify(err)})
		return
	}

	r.mu.Lock()
	if r.rec == nil {
		r.rec = rec
	}
	r.startedAt = r.d.clock.Now()
	finished := r.finished
	if r.maxDuration > 0 && !finished {
		r.timer = r.d.clock.AfterFunc(r.maxDuration, func() { _ = r.Stop(r.stopCtx) })
	}
	r.mu.Unlock()
	if finished {
		// The outcome event beat the reply; nothing is left to stop.
		return
	}
	r.d.log.Info("[Record] Recording", "target", r.target.String(), "name", r.name)

	if r.gate.activate() {
		r.stopRecording(r.stopCtx)
	}
}

func (r *Record) subscribe() {
	key := r.target.id
	subs := []*registry.Subscription{
		r.d.On(ari.KindRecordingFinished, key, func(ev *ari.Event) registry.HandlerResult {
			if ev.Recording == nil || ev.Recording.Name != r.name {
				return registry.Continue
			}
			r.finish(ev.Recording, nil)
			return registry.Done
		}),
		r.d.On(ari.KindRecordingFailed, key, func(ev *ari.Event) registry.HandlerResult {
			if ev.Recording == nil || ev.Recording.Name != r.name {
				return registry.Continue
			}
			r.finish(ev.Recording, &RecordingError{Name: r.name, Cause: ev.Recording.Cause})
			return registry.Done
		}),
	}
	if r.target.kind == "channel" {
		subs = append(subs,
			r.d.Once(ari.KindChannelTalkingStarted, key, func(*ari.Event) registry.HandlerResult {
				r.talking.Store(true)
				return registry.Done
			}),
			r.d.On(ari.KindChannelDtmfReceived, key, func(ev *ari.Event) registry.HandlerResult {
				if !r.terminates(ev.Digit) {
					return registry.Continue
				}
				r.d.log.Info("[Record] Terminating key pressed", "name", r.name, "digit", ev.Digit)
				r.termKey.Store(true)
				r.d.Go(func() { _ = r.Stop(r.stopCtx) })
				return registry.Continue
			}),
			r.d.On(ari.KindChannelHangupRequest, key, func(*ari.Event) registry.HandlerResult {
				r.d.Go(func() { _ = r.Stop(r.stopCtx) })
				return registry.Continue
			}),
		)
	}

	r.mu.Lock()
	done := r.finished
	if !done {
		r.subs = subs
	}
	r.mu.Unlock()
	if done {
		for _, s := range subs {
			s.Unregister()
		}
	}
}

// Stop ends the recording. Safe to call from any goroutine, any number of
// times, before or after the recording started; at most one stop command
// is sent.
func (r *Record) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.gate.cancel() {
			r.stopErr = r.stopRecording(ctx)
		}
	})
	return r.stopErr
}

func (r *Record) stopRecording(ctx context.Context) error {
	err := r.d.exec(ctx, "stop recording", func(ctx context.Context) error {
		return r.d.client.Recordings().Stop(ctx, r.name)
	})
	if err != nil && !ari.IsNotFound(err) {
		err = Classify(err)
		r.finish(nil, &RecordingError{Name: r.name, Err: err})
		return err
	}
	r.finish(nil, nil)
	return nil
}

// finish resolves the operation once and tears down every trigger.
func (r *Record) finish(rec *ari.LiveRecordingData, err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	if rec != nil {
		r.rec = rec
	}
	r.endedAt = r.d.clock.Now()
	subs, timer, final := r.subs, r.timer, r.rec
	r.subs = nil
	r.mu.Unlock()

	r.gate.finish()
	if timer != nil {
		timer.Stop()
	}
	for _, s := range subs {
		s.Unregister()
	}

	if err != nil {
		r.done.Reject(err)
		return
	}
	r.d.log.Info("[Record] Finished", "name", r.name, "term_key", r.termKey.Load(), "talking", r.talking.Load())
	r.done.Resolve(final)
}
