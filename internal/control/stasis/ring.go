package stasis

import (
	"context"
	"errors"
	"sync"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
)

// Ring indicates ringing to the caller until cancelled.
type Ring struct {
	s    *Session
	gate stopGate

	cancelOnce sync.Once
	cancelErr  error
}

// Run starts ringing and returns once the server acknowledged it.
func (r *Ring) Run(ctx context.Context) error {
	err := r.s.d.exec(ctx, "ring", func(ctx context.Context) error {
		return r.s.d.client.Channels().Ring(ctx, r.s.channelID)
	}, command.WithCancelled(r.gate.isCancelled))
	if err != nil {
		if errors.Is(err, command.ErrCancelled) {
			return command.ErrCancelled
		}
		return Classify(err)
	}
	if r.gate.activate() {
		return r.stop(ctx)
	}
	return nil
}

// Cancel stops ringing. Only the first call sends a command.
func (r *Ring) Cancel(ctx context.Context) error {
	r.cancelOnce.Do(func() {
		if r.gate.cancel() {
			r.cancelErr = r.stop(ctx)
		}
	})
	return r.cancelErr
}

func (r *Ring) stop(ctx context.Context) error {
	err := r.s.d.exec(ctx, "ring stop", func(ctx context.Context) error {
		return r.s.d.client.Channels().RingStop(ctx, r.s.channelID)
	})
	if err != nil && !ari.IsNotFound(err) {
		return Classify(err)
	}
	return nil
}
