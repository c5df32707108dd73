package stasis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
	"github.com/sebas/ariflow/internal/control/registry"
)

// Dial statuses reported by the server.
const (
	DialAnswer      = "ANSWER"
	DialBusy        = "BUSY"
	DialNoAnswer    = "NOANSWER"
	DialCongestion  = "CONGESTION"
	DialChanUnavail = "CHANUNAVAIL"
	DialCancel      = "CANCEL"
	DialHangup      = "HANGUP"
)

// Dial originates an outbound channel into this application and waits for
// it to answer. The channel id is generated up front so a retried originate
// addresses the same channel and its session start can be claimed.
type Dial struct {
	d          *Dispatcher
	callerID   string
	endpoint   string
	originator string
	timeout    time.Duration
	channelID  string

	gate     stopGate
	answered *command.Future[string]

	mu     sync.Mutex
	status string

	startOnce  sync.Once
	result     *command.Future[*Session]
	cancelOnce sync.Once
	cancelErr  error
}

// Dial prepares an outbound call to endpoint, e.g. "PJSIP/alice".
func (d *Dispatcher) Dial(callerID, endpoint string) *Dial {
	return &Dial{
		d:         d,
		callerID:  callerID,
		endpoint:  endpoint,
		timeout:   30 * time.Second,
		channelID: uuid.NewString(),
		answered:  command.NewFuture[string](),
		result:    command.NewFuture[*Session](),
	}
}

// Originator links the new channel to an existing one.
func (dl *Dial) Originator(channelID string) *Dial {
	dl.originator = channelID
	return dl
}

// Timeout sets how long the server lets the far end ring.
func (dl *Dial) Timeout(t time.Duration) *Dial {
	dl.timeout = t
	return dl
}

// ChannelID returns the id the outbound channel will have.
func (dl *Dial) ChannelID() string { return dl.channelID }

// Status returns the latest dial status seen.
func (dl *Dial) Status() string {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.status
}

func (dl *Dial) setStatus(s string) {
	dl.mu.Lock()
	dl.status = s
	dl.mu.Unlock()
}

// Start dials in the background.
func (dl *Dial) Start(ctx context.Context) *command.Future[*Session] {
	dl.startOnce.Do(func() { go dl.run(ctx) })
	return dl.result
}

// Run dials and returns the answered channel's session.
func (dl *Dial) Run(ctx context.Context) (*Session, error) {
	s, err := dl.Start(ctx).Await(ctx)
	if err != nil && ctx.Err() != nil {
		_ = dl.Cancel(context.WithoutCancel(ctx))
	}
	return s, err
}

func (dl *Dial) fail(err error) {
	dl.d.ReleaseClaim(dl.channelID)
	ev := events.Session(events.DialFailed, dl.channelID)
	ev.Detail = err.Error()
	dl.d.Publish(ev)
	dl.result.Reject(err)
}

func (dl *Dial) run(ctx context.Context) {
	log := dl.d.log.With("channel_id", dl.channelID, "endpoint", dl.endpoint)

	claim, err := dl.d.ClaimChannel(dl.channelID)
	if err != nil {
		dl.result.Reject(&DialError{ChannelID: dl.channelID, Endpoint: dl.endpoint, Err: err})
		return
	}

	progress := dl.d.On(ari.KindDial, dl.channelID, func(ev *ari.Event) registry.HandlerResult {
		status := ev.DialStatus
		if status == "" {
			return registry.Continue
		}
		dl.setStatus(status)
		switch status {
		case DialAnswer:
			dl.answered.Resolve(status)
			return registry.Done
		case DialBusy, DialNoAnswer, DialCongestion, DialChanUnavail, DialCancel:
			dl.answered.Reject(&DialError{ChannelID: dl.channelID, Endpoint: dl.endpoint, Status: status})
			return registry.Done
		}
		return registry.Continue
	})
	defer progress.Unregister()
	gone := dl.d.Once(ari.KindChannelDestroyed, dl.channelID, func(*ari.Event) registry.HandlerResult {
		dl.answered.Reject(&DialError{ChannelID: dl.channelID, Endpoint: dl.endpoint, Status: DialHangup})
		return registry.Done
	})
	defer gone.Unregister()

	dl.d.Publish(events.Session(events.DialStarted, dl.channelID))
	log.Info("[Dial] Originating", "caller_id", dl.callerID)

	req := ari.OriginateRequest{
		Endpoint:   dl.endpoint,
		CallerID:   dl.callerID,
		App:        dl.d.app,
		AppArgs:    "dialed",
		ChannelID:  dl.channelID,
		Originator: dl.originator,
		Timeout:    int((dl.timeout + time.Second - 1) / time.Second),
	}
	_, err = command.Do(ctx, "originate", func(ctx context.Context) (*ari.ChannelData, error) {
		return dl.d.client.Channels().Originate(ctx, req)
	}, dl.d.CommandOptions(command.WithCancelled(dl.gate.isCancelled))...).Await(ctx)
	if err != nil {
		if errors.Is(err, command.ErrCancelled) {
			dl.fail(command.ErrCancelled)
			return
		}
		dl.fail(&DialError{ChannelID: dl.channelID, Endpoint: dl.endpoint, Err: Classify(err)})
		return
	}
	if dl.gate.activate() {
		dl.hangup(ctx)
	}

	if _, err := dl.answered.Await(ctx); err != nil {
		log.Info("[Dial] Not answered", "error", err)
		dl.fail(err)
		return
	}
	sess, err := claim.Await(ctx)
	if err != nil {
		dl.fail(&DialError{ChannelID: dl.channelID, Endpoint: dl.endpoint, Status: DialAnswer, Err: err})
		return
	}
	sess.answered.Store(true)
	log.Info("[Dial] Answered")
	dl.d.Publish(events.Session(events.DialAnswered, dl.channelID))
	dl.result.Resolve(sess)
}

// Cancel abandons the call: the outbound channel is hung up if it was
// created, and the pending session claim is released.
func (dl *Dial) Cancel(ctx context.Context) error {
	dl.cancelOnce.Do(func() {
		if dl.gate.cancel() {
			dl.cancelErr = dl.hangup(ctx)
		}
		dl.answered.Reject(command.ErrCancelled)
		dl.d.ReleaseClaim(dl.channelID)
	})
	return dl.cancelErr
}

func (dl *Dial) hangup(ctx context.Context) error {
	err := dl.d.exec(ctx, "hangup dialed", func(ctx context.Context) error {
		return dl.d.client.Channels().Hangup(ctx, dl.channelID, ari.HangupNormal)
	})
	if err != nil && !ari.IsNotFound(err) {
		return Classify(err)
	}
	return nil
}
