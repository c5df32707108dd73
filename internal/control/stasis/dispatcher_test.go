package stasis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/aritest"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
)

// Inbound call, default application answers, plays twice and hangs up.
func TestInboundPlayTwiceScenario(t *testing.T) {
	d, fake, pub := newTestDispatcher(t, nil)
	fake.PutChannel(ari.ChannelData{ID: "c1", State: ari.ChannelStateRing})
	fake.OnCall(func(c aritest.Call) {
		if c.Op == aritest.OpChannelPlay {
			go d.HandleEvent(aritest.PlaybackFinished(c.Args["playbackId"], "channel:"+c.ID))
		}
	})

	done := make(chan error, 1)
	d.RegisterAppFunc(func(ctx context.Context, s *Session) error {
		if err := s.Answer(ctx); err != nil {
			return err
		}
		if err := s.Play("hello-world").Loop(2).Run(ctx); err != nil {
			return err
		}
		err := s.Hangup(ctx)
		done <- err
		return err
	})

	d.HandleEvent(aritest.StasisStart("c1", "100"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("application error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("application did not finish; calls: %s", fake)
	}

	if n := fake.Count(aritest.OpAnswer); n != 1 {
		t.Errorf("answer commands = %d, want 1", n)
	}
	plays := fake.Calls(aritest.OpChannelPlay)
	if len(plays) != 2 {
		t.Fatalf("play commands = %d, want 2", len(plays))
	}
	if plays[0].Args["playbackId"] == plays[1].Args["playbackId"] {
		t.Error("both cycles used the same playback id")
	}
	if plays[0].Args["media"] != "sound:hello-world" || plays[0].Args["lang"] != "en" {
		t.Errorf("play args = %v", plays[0].Args)
	}
	if n := fake.Count(aritest.OpHangup); n != 1 {
		t.Errorf("hangup commands = %d, want 1", n)
	}

	waitFor(t, "session finished", func() bool {
		for _, typ := range drain(pub) {
			if typ == events.SessionFinished {
				return true
			}
		}
		return false
	})
	// only the dispatcher's own session-end subscription is left
	if got := d.Stats().Subscriptions; got != 1 {
		t.Errorf("subscriptions after run = %d, want 1", got)
	}
}

func TestClaimExclusivity(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	var appRuns atomic.Int32
	d.RegisterAppFunc(func(context.Context, *Session) error {
		appRuns.Add(1)
		return nil
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		refused int
		claimed = make(chan *Session, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := d.ClaimChannel("out-1")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrAlreadyClaimed) {
				refused++
				return
			}
			if err != nil {
				t.Errorf("ClaimChannel: %v", err)
				return
			}
			won++
			go func() {
				if s, err := f.Await(context.Background()); err == nil {
					claimed <- s
				}
			}()
		}()
	}
	wg.Wait()
	if won != 1 || refused != 1 {
		t.Fatalf("won=%d refused=%d, want 1 and 1", won, refused)
	}

	d.HandleEvent(aritest.StasisStart("out-1", "s"))
	d.HandleEvent(aritest.StasisStart("out-1", "s"))

	select {
	case s := <-claimed:
		if s.ChannelID() != "out-1" {
			t.Errorf("ChannelID = %q", s.ChannelID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("claim was not delivered")
	}

	// the second start is not claimed and goes to the application
	waitFor(t, "application run", func() bool { return appRuns.Load() == 1 })
	select {
	case <-claimed:
		t.Error("channel delivered to a claimant twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHangupExtensionIgnored(t *testing.T) {
	d, fake, _ := newTestDispatcher(t, nil)
	var runs atomic.Int32
	d.RegisterAppFunc(func(context.Context, *Session) error { runs.Add(1); return nil })

	d.HandleEvent(aritest.StasisStart("c1", "h"))
	d.Close()

	if runs.Load() != 0 || len(fake.Calls("")) != 0 {
		t.Errorf("hangup extension started a session: runs=%d calls=%s", runs.Load(), fake)
	}
}

func TestApplicationFailureHangsUp(t *testing.T) {
	tests := []struct {
		name string
		app  func(context.Context, *Session) error
	}{
		{"error", func(context.Context, *Session) error { return errors.New("boom") }},
		{"panic", func(context.Context, *Session) error { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fake, _ := newTestDispatcher(t, nil)
			d.RegisterAppFunc(tt.app)

			d.HandleEvent(aritest.StasisStart("c1", "100"))
			waitFor(t, "safety hangup", func() bool { return fake.Count(aritest.OpHangup) == 1 })
			d.Close()

			if n := fake.Count(aritest.OpHangup); n != 1 {
				t.Errorf("hangup commands = %d, want 1", n)
			}
			if d.Stats().AppFailures != 1 {
				t.Errorf("AppFailures = %d", d.Stats().AppFailures)
			}
		})
	}
}

func TestFailedAppThatHungUpIsNotHungUpTwice(t *testing.T) {
	d, fake, _ := newTestDispatcher(t, nil)
	d.RegisterAppFunc(func(ctx context.Context, s *Session) error {
		_ = s.HangupWithReason(ctx, ari.HangupBusy)
		return errors.New("after hangup")
	})

	d.HandleEvent(aritest.StasisStart("c1", "100"))
	waitFor(t, "application failure", func() bool { return d.Stats().AppFailures == 1 })
	d.Close()

	calls := fake.Calls(aritest.OpHangup)
	if len(calls) != 1 || calls[0].Args["reason"] != "busy" {
		t.Errorf("hangups = %+v", calls)
	}
}

func TestFailedHangupLeavesSafetyHangup(t *testing.T) {
	d, fake, _ := newTestDispatcher(t, nil)
	fake.FailNext(aritest.OpHangup, aritest.Status(ari.ResourceChannel, "hangup", 400))
	hangupErr := make(chan error, 1)
	d.RegisterAppFunc(func(ctx context.Context, s *Session) error {
		err := s.HangupWithReason(ctx, ari.HangupBusy)
		hangupErr <- err
		if s.IsHungUp() {
			t.Error("IsHungUp() = true after a failed hangup")
		}
		return err
	})

	d.HandleEvent(aritest.StasisStart("c1", "100"))
	waitFor(t, "safety hangup", func() bool { return fake.Count(aritest.OpHangup) == 2 })
	d.Close()

	if err := <-hangupErr; err == nil {
		t.Fatal("first hangup succeeded")
	}
	calls := fake.Calls(aritest.OpHangup)
	if len(calls) != 2 || calls[0].Args["reason"] != "busy" || calls[1].Args["reason"] != "normal" {
		t.Errorf("hangups = %+v", calls)
	}
}

func TestHangupOfVanishedChannelCounts(t *testing.T) {
	d, fake, _ := newTestDispatcher(t, nil)
	fake.FailNext(aritest.OpHangup, aritest.NotFound(ari.ResourceChannel, "c1"))
	d.RegisterAppFunc(func(ctx context.Context, s *Session) error {
		if err := s.Hangup(ctx); err != nil {
			t.Errorf("Hangup: %v", err)
		}
		return errors.New("after hangup")
	})

	d.HandleEvent(aritest.StasisStart("c1", "100"))
	waitFor(t, "application failure", func() bool { return d.Stats().AppFailures == 1 })
	d.Close()

	if n := fake.Count(aritest.OpHangup); n != 1 {
		t.Errorf("hangup commands = %d, want 1", n)
	}
}

func TestMisconfiguredApplicationFallsBackToHangup(t *testing.T) {
	tests := []struct {
		name     string
		register func(d *Dispatcher)
	}{
		{"none registered", func(*Dispatcher) {}},
		{"factory error", func(d *Dispatcher) {
			d.RegisterApp(func() (Application, error) { return nil, errors.New("no config") })
		}},
		{"factory nil", func(d *Dispatcher) {
			d.RegisterApp(func() (Application, error) { return nil, nil })
		}},
		{"factory panic", func(d *Dispatcher) {
			d.RegisterApp(func() (Application, error) { panic("ctor") })
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fake, _ := newTestDispatcher(t, nil)
			tt.register(d)

			d.HandleEvent(aritest.StasisStart("c1", "100"))
			waitFor(t, "hangup", func() bool { return fake.Count(aritest.OpHangup) == 1 })
			d.Close()

			if fake.Count(aritest.OpAnswer) != 1 || fake.Count(aritest.OpHangup) != 1 {
				t.Errorf("calls = %s, want one answer and one hangup", fake)
			}
		})
	}
}

func TestSupplierGivesFreshInstancePerCall(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	var made atomic.Int32
	d.RegisterAppSupplier(func() Application {
		made.Add(1)
		return ApplicationFunc(func(context.Context, *Session) error { return nil })
	})

	d.HandleEvent(aritest.StasisStart("c1", "100"))
	d.HandleEvent(aritest.StasisStart("c2", "100"))
	d.Close()

	if made.Load() != 2 {
		t.Errorf("instances = %d, want 2", made.Load())
	}
}

func TestSessionsTrackedUntilStasisEnd(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	release := make(chan struct{})
	d.RegisterAppFunc(func(ctx context.Context, s *Session) error {
		<-release
		return nil
	})
	defer close(release)

	d.HandleEvent(aritest.StasisStart("c1", "100"))
	d.HandleEvent(aritest.StasisStart("c2", "200"))
	if got := len(d.Sessions()); got != 2 {
		t.Fatalf("Sessions() = %d, want 2", got)
	}

	d.HandleEvent(aritest.StasisEnd("c1"))
	sessions := d.Sessions()
	if len(sessions) != 1 || sessions[0].ChannelID != "c2" {
		t.Errorf("Sessions() = %+v", sessions)
	}
	if st := d.Stats(); st.EventsReceived != 3 || st.ActiveSessions != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestReleaseClaim(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	f, err := d.ClaimChannel("x")
	if err != nil {
		t.Fatalf("ClaimChannel: %v", err)
	}
	if !d.ReleaseClaim("x") {
		t.Fatal("ReleaseClaim() = false")
	}
	if _, err := f.Await(context.Background()); err == nil {
		t.Error("released claim resolved successfully")
	}
	if d.Stats().PendingClaims != 0 {
		t.Error("claim still pending")
	}
	d.Close()
	if _, err := d.ClaimChannel("y"); !errors.Is(err, ErrClosed) {
		t.Errorf("ClaimChannel after Close = %v", err)
	}
}

func TestCloseRejectsPendingClaims(t *testing.T) {
	d, fake, _ := newTestDispatcher(t, nil)
	pending := map[string]*command.Future[*Session]{}
	for _, id := range []string{"x", "y"} {
		f, err := d.ClaimChannel(id)
		if err != nil {
			t.Fatalf("ClaimChannel(%s): %v", id, err)
		}
		pending[id] = f
	}

	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for id, f := range pending {
		if _, err := f.Await(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("claim %s = %v, want ErrClosed", id, err)
		}
	}
	if n := d.Stats().PendingClaims; n != 0 {
		t.Errorf("PendingClaims = %d", n)
	}

	// late work is dropped
	var ran atomic.Bool
	d.Go(func() { ran.Store(true) })
	d.HandleEvent(aritest.StasisStart("x", "100"))
	if ran.Load() || len(d.Sessions()) != 0 || len(fake.Calls("")) != 0 {
		t.Errorf("work after Close: ran=%v sessions=%d calls=%s", ran.Load(), len(d.Sessions()), fake)
	}
}

func TestCloseRacesDelivery(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.RegisterAppFunc(func(context.Context, *Session) error { return nil })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.HandleEvent(aritest.StasisStart(fmt.Sprintf("c%d", i), "100"))
		}
	}()
	d.Close()
	wg.Wait()

	// nothing may start once Close has returned
	before := d.Stats().SessionsRun
	time.Sleep(10 * time.Millisecond)
	if after := d.Stats().SessionsRun; after != before {
		t.Errorf("sessions run after Close: %d -> %d", before, after)
	}
}
