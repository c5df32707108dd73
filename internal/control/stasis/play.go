package stasis

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/registry"
)

const (
	SchemeSound     = "sound"
	SchemeRecording = "recording"
)

type target struct {
	kind string // "channel" or "bridge"
	id   string
}

func channelTarget(id string) target { return target{kind: "channel", id: id} }
func bridgeTarget(id string) target  { return target{kind: "bridge", id: id} }

func (t target) String() string { return t.kind + ":" + t.id }

// Play plays one media item on a channel or bridge, optionally several
// times. Each cycle pre-generates its playback id and subscribes to the
// finish event before the play command is sent.
type Play struct {
	d      *Dispatcher
	target target
	media  string
	scheme string
	lang   string
	times  int

	gate      stopGate
	mu        sync.Mutex
	currentID string
	wait      *command.Future[*ari.PlaybackData]
	cycles    int

	startOnce  sync.Once
	result     *command.Future[int]
	cancelOnce sync.Once
	cancelErr  error
}

func newPlay(d *Dispatcher, t target, media string) *Play {
	return &Play{
		d:      d,
		target: t,
		media:  media,
		scheme: SchemeSound,
		lang:   defaultLanguage,
		times:  1,
		result: command.NewFuture[int](),
	}
}

// PlayOn prepares a playback on a bridge.
func (d *Dispatcher) PlayOn(bridgeID, media string) *Play {
	return newPlay(d, bridgeTarget(bridgeID), media)
}

// Loop sets how many times the media is played.
func (p *Play) Loop(times int) *Play {
	if times < 1 {
		times = 1
	}
	p.times = times
	return p
}

// Language overrides the playback language.
func (p *Play) Language(lang string) *Play {
	if lang != "" {
		p.lang = lang
	}
	return p
}

// Scheme sets the media URI scheme used when media has none.
func (p *Play) Scheme(scheme string) *Play {
	p.scheme = scheme
	return p
}

// OnBridge redirects the playback to a bridge.
func (p *Play) OnBridge(bridgeID string) *Play {
	p.target = bridgeTarget(bridgeID)
	return p
}

func (p *Play) mediaURI() string {
	if strings.Contains(p.media, ":") {
		return p.media
	}
	return p.scheme + ":" + p.media
}

// Cycles returns the number of completed plays.
func (p *Play) Cycles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// PlaybackID returns the id of the playback in progress, if any.
func (p *Play) PlaybackID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID
}

// Start begins playing in the background. Repeated calls return the same
// future, which resolves with the number of completed cycles.
func (p *Play) Start(ctx context.Context) *command.Future[int] {
	p.startOnce.Do(func() { go p.run(ctx) })
	return p.result
}

// Run plays and waits. Cancellation yields command.ErrCancelled.
func (p *Play) Run(ctx context.Context) error {
	_, err := p.Start(ctx).Await(ctx)
	if err != nil && ctx.Err() != nil {
		_ = p.Cancel(context.WithoutCancel(ctx))
	}
	return err
}

func (p *Play) run(ctx context.Context) {
	for i := 0; i < p.times; i++ {
		if p.gate.isCancelled() {
			p.result.Reject(command.ErrCancelled)
			return
		}
		if err := p.cycle(ctx); err != nil {
			p.result.Reject(err)
			return
		}
		p.mu.Lock()
		p.cycles++
		p.mu.Unlock()
	}
	p.result.Resolve(p.Cycles())
}

func (p *Play) cycle(ctx context.Context) error {
	id := uuid.NewString()
	media := p.mediaURI()
	wait := command.NewFuture[*ari.PlaybackData]()

	p.gate.rearm()
	p.mu.Lock()
	p.currentID = id
	p.wait = wait
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.currentID = ""
		p.wait = nil
		p.mu.Unlock()
		p.gate.finish()
	}()

	if p.gate.isCancelled() {
		return command.ErrCancelled
	}

	sub := p.d.On(ari.KindPlaybackFinished, p.target.id, func(ev *ari.Event) registry.HandlerResult {
		if ev.Playback == nil || ev.Playback.ID != id {
			return registry.Continue
		}
		wait.Resolve(ev.Playback)
		return registry.Done
	})
	defer sub.Unregister()

	req := ari.PlayRequest{PlaybackID: id, Media: media, Language: p.lang}
	_, err := command.Do(ctx, "play", func(ctx context.Context) (*ari.PlaybackData, error) {
		if p.target.kind == "bridge" {
			return p.d.client.Bridges().Play(ctx, p.target.id, req)
		}
		return p.d.client.Channels().Play(ctx, p.target.id, req)
	}, p.d.CommandOptions(command.WithCancelled(p.gate.isCancelled))...).Await(ctx)
	if err != nil {
		if errors.Is(err, command.ErrCancelled) {
			return command.ErrCancelled
		}
		return &PlaybackError{PlaybackID: id, Media: media, Err: Classify(err)}
	}

	// cancelled while the command was in flight
	if p.gate.activate() {
		if err := p.stop(ctx, id); err != nil {
			p.d.log.Warn("[Play] Stop failed", "playback_id", id, "error", err)
		}
	}
	p.d.log.Debug("[Play] Playing", "target", p.target.String(), "media", media, "playback_id", id)

	if _, err := wait.Await(ctx); err != nil {
		return err
	}
	return nil
}

// Cancel stops the playback in progress and prevents further cycles. It is
// idempotent: later calls return the first call's result and send nothing.
func (p *Play) Cancel(ctx context.Context) error {
	p.cancelOnce.Do(func() {
		stopNow := p.gate.cancel()
		p.mu.Lock()
		id, wait := p.currentID, p.wait
		p.mu.Unlock()

		if stopNow && id != "" {
			p.cancelErr = p.stop(ctx, id)
		}
		if wait != nil {
			wait.Reject(command.ErrCancelled)
		}
	})
	return p.cancelErr
}

func (p *Play) stop(ctx context.Context, id string) error {
	err := p.d.exec(ctx, "stop playback", func(ctx context.Context) error {
		return p.d.client.Playbacks().Stop(ctx, id)
	})
	if err != nil && !ari.IsNotFound(err) {
		return Classify(err)
	}
	return nil
}
