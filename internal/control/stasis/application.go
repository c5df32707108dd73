package stasis

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/panics"
)

// Application is the per-call program. Run owns the session until it
// returns; a non-nil error hangs the channel up.
type Application interface {
	Run(ctx context.Context, s *Session) error
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ctx context.Context, s *Session) error

func (f ApplicationFunc) Run(ctx context.Context, s *Session) error { return f(ctx, s) }

// Factory produces one Application per inbound call.
type Factory func() (Application, error)

var errNilApplication = errors.New("factory returned nil application")

// hangupApplication answers and immediately hangs up. It serves calls when
// no application is registered or the factory fails.
var hangupApplication = ApplicationFunc(func(ctx context.Context, s *Session) error {
	if err := s.Answer(ctx); err != nil {
		return err
	}
	return s.Hangup(ctx)
})

// RegisterApp sets the factory invoked for every inbound call.
func (d *Dispatcher) RegisterApp(f Factory) {
	d.factory.Store(&f)
}

// RegisterAppFunc runs fn for every inbound call.
func (d *Dispatcher) RegisterAppFunc(fn func(ctx context.Context, s *Session) error) {
	app := ApplicationFunc(fn)
	d.RegisterApp(func() (Application, error) { return app, nil })
}

// RegisterAppSupplier takes a supplier that always yields an instance.
func (d *Dispatcher) RegisterAppSupplier(supplier func() Application) {
	d.RegisterApp(func() (Application, error) { return supplier(), nil })
}

// newApplication obtains an instance for one call, falling back to the
// hangup application on any configuration failure.
func (d *Dispatcher) newApplication(channelID string) Application {
	fp := d.factory.Load()
	if fp == nil {
		d.log.Warn("[Dispatcher] No application registered, hanging up", "channel_id", channelID)
		return hangupApplication
	}

	var (
		app Application
		err error
	)
	if r := panics.Try(func() { app, err = (*fp)() }); r != nil {
		err = r.AsError()
	}
	if err == nil && app == nil {
		err = errNilApplication
	}
	if err != nil {
		d.log.Error("[Dispatcher] Application factory failed, hanging up", "channel_id", channelID, "error", err)
		return hangupApplication
	}
	return app
}
