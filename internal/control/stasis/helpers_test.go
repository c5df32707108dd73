package stasis

import (
	"testing"
	"time"

	"github.com/sebas/ariflow/internal/control/aritest"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
)

var testPolicy = command.Policy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func newTestDispatcher(t *testing.T, clock command.Clock) (*Dispatcher, *aritest.Client, *events.ChannelPublisher) {
	t.Helper()
	fake := aritest.New()
	pub := events.NewChannelPublisher(256)
	d := NewDispatcher(Config{
		App:       "test",
		Client:    fake,
		Policy:    testPolicy,
		Clock:     clock,
		Publisher: pub,
	})
	t.Cleanup(d.Close)
	return d, fake, pub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func drain(pub *events.ChannelPublisher) []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-pub.Events():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}
