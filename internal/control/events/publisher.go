package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher delivers lifecycle events. Implementations must not block the
// caller for long; the dispatcher publishes from call goroutines.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Debug("[Events] Published",
		"subject", event.Subject(),
		"type", string(event.Type),
		"channel_id", event.ChannelID,
		"bridge_id", event.BridgeID,
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher buffers events on a channel for local consumers and
// tests. Events are dropped when the buffer is full.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Dropped, buffer full", "type", string(event.Type), "channel_id", event.ChannelID)
		return nil
	}
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel to consume from.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns how many events were dropped.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropped.Load()
}
