package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/sebas/ariflow/internal/ari"
)

// Policy bounds retries. Retries is the number of re-attempts after the
// first call, so a command makes at most Retries+1 calls.
type Policy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is used when no policy is given.
var DefaultPolicy = Policy{
	Retries:   5,
	BaseDelay: 100 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

// delay returns the backoff before re-attempt n (1-based).
func (p Policy) delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type options struct {
	policy    Policy
	cancelled func() bool
	clock     Clock
	retryable func(error) bool
	log       *slog.Logger
}

// Option configures a single command.
type Option func(*options)

// WithPolicy sets the retry bound and backoff.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCancelled sets the cancellation flag checked before each attempt.
func WithCancelled(fn func() bool) Option {
	return func(o *options) { o.cancelled = fn }
}

// WithClock sets the clock used to schedule retries.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRetryable overrides which failures are retried. The default retries
// transient protocol errors only.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Do runs fn until it succeeds, fails non-transiently, the retry budget is
// spent, the cancellation flag is set, or ctx ends. The call does not block;
// the outcome arrives on the returned future. fn must be safe to repeat with
// the same parameters: callers pass pre-generated ids for anything that
// creates a resource.
func Do[T any](ctx context.Context, op string, fn func(context.Context) (T, error), opts ...Option) *Future[T] {
	o := options{
		policy:    DefaultPolicy,
		clock:     SystemClock{},
		retryable: ari.IsTransient,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &runner[T]{ctx: ctx, op: op, fn: fn, o: o, out: NewFuture[T]()}
	go r.attempt()
	return r.out
}

// Exec is Do for commands with no result value.
func Exec(ctx context.Context, op string, fn func(context.Context) error, opts ...Option) *Future[struct{}] {
	return Do(ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
}

type runner[T any] struct {
	ctx      context.Context
	op       string
	fn       func(context.Context) (T, error)
	o        options
	out      *Future[T]
	attempts int
}

func (r *runner[T]) fail(cause error, exhausted bool) {
	r.out.Reject(&CommandError{Op: r.op, Attempts: r.attempts, Cause: cause, Exhausted: exhausted})
}

func (r *runner[T]) attempt() {
	if r.o.cancelled != nil && r.o.cancelled() {
		r.fail(ErrCancelled, false)
		return
	}
	if err := r.ctx.Err(); err != nil {
		r.fail(err, false)
		return
	}

	r.attempts++
	var (
		v   T
		err error
	)
	if recovered := panics.Try(func() { v, err = r.fn(r.ctx) }); recovered != nil {
		err = recovered.AsError()
	}
	if err == nil {
		r.out.Resolve(v)
		return
	}

	if !r.o.retryable(err) || errors.Is(err, context.Canceled) {
		r.fail(err, false)
		return
	}
	if r.attempts > r.o.policy.Retries {
		r.o.log.Warn("[Command] Retries exhausted", "op", r.op, "attempts", r.attempts, "error", err)
		r.fail(err, true)
		return
	}

	delay := r.o.policy.delay(r.attempts)
	r.o.log.Debug("[Command] Retrying", "op", r.op, "attempt", r.attempts, "delay", delay, "error", err)
	r.o.clock.AfterFunc(delay, r.attempt)
}
