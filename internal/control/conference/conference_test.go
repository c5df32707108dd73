package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/aritest"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/events"
	"github.com/sebas/ariflow/internal/control/stasis"
)

func newTestDispatcher(t *testing.T) (*stasis.Dispatcher, *aritest.Client, *events.ChannelPublisher) {
	t.Helper()
	fake := aritest.New()
	pub := events.NewChannelPublisher(256)
	d := stasis.NewDispatcher(stasis.Config{
		App:       "test",
		Client:    fake,
		Policy:    command.Policy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Publisher: pub,
	})
	// bridge playbacks finish as soon as they start
	fake.OnCall(func(c aritest.Call) {
		if c.Op == aritest.OpBridgePlay {
			go d.HandleEvent(aritest.PlaybackFinished(c.Args["playbackId"], "bridge:"+c.ID))
		}
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

func session(t *testing.T, d *stasis.Dispatcher, fake *aritest.Client, id string) *stasis.Session {
	t.Helper()
	fake.PutChannel(ari.ChannelData{ID: id, State: ari.ChannelStateRing})
	s, err := d.SessionFor(context.Background(), id)
	if err != nil {
		t.Fatalf("SessionFor(%s): %v", id, err)
	}
	return s
}

func awaitDestroyed(t *testing.T, c *Conference) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Done().Await(ctx); err != nil {
		t.Fatalf("conference not destroyed: %v", err)
	}
}

func TestMembershipDrivesMOHAndDestroy(t *testing.T) {
	d, fake, pub := newTestDispatcher(t)
	ctx := context.Background()

	conf, err := Create(ctx, d, "room", DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := session(t, d, fake, "A")
	b := session(t, d, fake, "B")
	for _, s := range []*stasis.Session{a, b} {
		if err := conf.Join(ctx, s); err != nil {
			t.Fatalf("Join(%s): %v", s.ChannelID(), err)
		}
	}
	if conf.Count() != 2 || fake.Count(aritest.OpAnswer) != 2 {
		t.Fatalf("count=%d calls=%s", conf.Count(), fake)
	}
	if fake.Count(aritest.OpBridgeMOHStart) != 0 {
		t.Error("MOH started with two members")
	}

	if err := conf.Leave(ctx, "B"); err != nil {
		t.Fatalf("Leave(B): %v", err)
	}
	waitFor(t, "MOH start", func() bool { return fake.Count(aritest.OpBridgeMOHStart) == 1 })
	if !conf.MOHPlaying() {
		t.Error("MOHPlaying() = false")
	}

	if err := conf.Leave(ctx, "A"); err != nil {
		t.Fatalf("Leave(A): %v", err)
	}
	awaitDestroyed(t, conf)

	// a late notification for a member that already left
	d.HandleEvent(aritest.LeftBridge("A", conf.BridgeID()))
	if err := conf.Destroy(ctx); err != nil {
		t.Errorf("second Destroy: %v", err)
	}

	if n := fake.Count(aritest.OpBridgeMOHStart); n != 1 {
		t.Errorf("MOH starts = %d, want 1", n)
	}
	if n := fake.Count(aritest.OpBridgeDestroy); n != 1 {
		t.Errorf("destroys = %d, want 1", n)
	}
	if conf.State() != StateDestroyed {
		t.Errorf("State() = %v", conf.State())
	}
	if got := d.Stats().Subscriptions; got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}

	counts := map[events.Type]int{}
	for len(pub.Events()) > 0 {
		counts[(<-pub.Events()).Type]++
	}
	created, joined := counts[events.ConferenceCreated], counts[events.ConferenceJoined]
	left, destroyed := counts[events.ConferenceLeft], counts[events.ConferenceDestroyed]
	if created != 1 || joined != 2 || left != 2 || destroyed != 1 {
		t.Errorf("events created=%d joined=%d left=%d destroyed=%d", created, joined, left, destroyed)
	}
}

func TestLeftBridgeEventsAreDeduplicated(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()
	opts := Options{}

	conf, err := Create(ctx, d, "room", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if err := conf.Join(ctx, session(t, d, fake, id)); err != nil {
			t.Fatalf("Join(%s): %v", id, err)
		}
	}

	// another bridge's event is not ours
	d.HandleEvent(aritest.LeftBridge("B", "other-bridge"))
	if conf.Count() != 2 {
		t.Fatalf("Count() = %d after foreign event", conf.Count())
	}

	fake.LeaveBridge(conf.BridgeID(), "B")
	d.HandleEvent(aritest.LeftBridge("B", conf.BridgeID()))
	d.HandleEvent(aritest.LeftBridge("B", conf.BridgeID()))
	waitFor(t, "MOH start", func() bool { return fake.Count(aritest.OpBridgeMOHStart) == 1 })

	fake.LeaveBridge(conf.BridgeID(), "A")
	d.HandleEvent(aritest.LeftBridge("A", conf.BridgeID()))
	d.HandleEvent(aritest.LeftBridge("A", conf.BridgeID()))
	awaitDestroyed(t, conf)

	if fake.Count(aritest.OpBridgeMOHStart) != 1 || fake.Count(aritest.OpBridgeDestroy) != 1 {
		t.Errorf("calls = %s", fake)
	}
	if fake.Count(aritest.OpAnswer) != 0 {
		t.Error("answered without AnswerOnJoin")
	}
}

func TestLeftBridgeBeforeAddReply(t *testing.T) {
	d, fake, pub := newTestDispatcher(t)
	ctx := context.Background()

	conf, err := Create(ctx, d, "room", Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// the channel hangs up while the add command is in flight
	fake.OnCall(func(c aritest.Call) {
		if c.Op == aritest.OpBridgeAdd && c.Args["channel"] == "A" {
			fake.LeaveBridge(c.ID, "A")
			d.HandleEvent(aritest.LeftBridge("A", c.ID))
		}
	})

	if err := conf.Join(ctx, session(t, d, fake, "A")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	awaitDestroyed(t, conf)

	if n := conf.Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if n := fake.Count(aritest.OpBridgeDestroy); n != 1 {
		t.Errorf("destroys = %d, want 1", n)
	}
	if got := d.Stats().Subscriptions; got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}
	for len(pub.Events()) > 0 {
		if ev := <-pub.Events(); ev.Type == events.ConferenceJoined {
			t.Errorf("unexpected %v for a channel that left during the add", ev.Type)
		}
	}
}

func TestJoinAddFailureDropsSubscriptions(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	conf, _ := Create(ctx, d, "room", Options{})
	before := d.Stats().Subscriptions
	fake.FailNext(aritest.OpBridgeAdd, aritest.Status(ari.ResourceBridge, ari.OpAddChannel, 400))
	if err := conf.Join(ctx, session(t, d, fake, "A")); err == nil {
		t.Fatal("Join succeeded")
	}
	if got := d.Stats().Subscriptions; got != before {
		t.Errorf("subscriptions = %d, want %d", got, before)
	}
	d.HandleEvent(aritest.LeftBridge("A", conf.BridgeID()))
	if conf.State() != StateReady || fake.Count(aritest.OpBridgeDestroy) != 0 {
		t.Errorf("state=%v calls=%s", conf.State(), fake)
	}
}

func TestSecondJoinStopsMOH(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	conf, err := Create(ctx, d, "room", Options{MOHWhenAlone: true, MOHClass: "jazz"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = conf.Join(ctx, session(t, d, fake, "A"))
	if fake.Count(aritest.OpBridgeMOHStart) != 1 {
		t.Fatalf("calls = %s", fake)
	}
	if class := fake.Calls(aritest.OpBridgeMOHStart)[0].Args["class"]; class != "jazz" {
		t.Errorf("moh class = %q", class)
	}
	_ = conf.Join(ctx, session(t, d, fake, "B"))
	_ = conf.Join(ctx, session(t, d, fake, "C"))
	if fake.Count(aritest.OpBridgeMOHStop) != 1 {
		t.Errorf("MOH stops = %d, want 1", fake.Count(aritest.OpBridgeMOHStop))
	}
	if conf.MOHPlaying() {
		t.Error("MOHPlaying() = true with three members")
	}
}

func TestJoinStepFailure(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	conf, _ := Create(ctx, d, "room", Options{AnswerOnJoin: true, MuteOnJoin: true})
	fake.FailNext(aritest.OpBridgeAdd, aritest.Status(ari.ResourceBridge, ari.OpAddChannel, 422))

	err := conf.Join(ctx, session(t, d, fake, "A"))
	var ce *ConferenceError
	if !errors.As(err, &ce) || ce.Step != "add" || ce.ChannelID != "A" {
		t.Fatalf("Join error = %v", err)
	}
	if !errors.Is(err, stasis.ErrChannelNotInApp) {
		t.Errorf("error %v should wrap ErrChannelNotInApp", err)
	}
	if fake.Count(aritest.OpAnswer) != 1 {
		t.Error("answer step should have run and stayed in place")
	}
	if fake.Count(aritest.OpMute) != 0 || conf.Count() != 0 {
		t.Errorf("steps after the failure ran: %s", fake)
	}

	if err := conf.Join(ctx, session(t, d, fake, "B")); err != nil {
		t.Fatalf("Join(B): %v", err)
	}
	if m := fake.Calls(aritest.OpMute); len(m) != 1 || m[0].Args["direction"] != "in" {
		t.Errorf("mute calls = %+v", m)
	}
}

func TestJoinAfterDestroy(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	conf, _ := Create(ctx, d, "room", Options{})
	_ = conf.Destroy(ctx)
	if err := conf.Join(ctx, session(t, d, fake, "A")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Join = %v, want ErrNotReady", err)
	}
	if err := conf.Leave(ctx, "A"); !errors.Is(err, ErrNotMember) {
		t.Errorf("Leave = %v, want ErrNotMember", err)
	}
}

func TestCreateFailure(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	fake.FailNext(aritest.OpBridgeCreate, aritest.Status(ari.ResourceBridge, "create", 400))

	_, err := Create(context.Background(), d, "room", Options{})
	var ce *ConferenceError
	if !errors.As(err, &ce) || ce.Step != "create" {
		t.Errorf("Create error = %v", err)
	}
}

func TestDestroyStopsRecording(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	conf, _ := Create(ctx, d, "room", Options{})
	result := conf.Record("room-rec").Start(ctx)
	waitFor(t, "record command", func() bool { return fake.Count(aritest.OpBridgeRecord) == 1 })

	if err := conf.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	waitFor(t, "recording stop", func() bool { return fake.Count(aritest.OpRecordingStop) == 1 })
	if _, err := result.Await(ctx); err != nil {
		t.Errorf("recording result: %v", err)
	}
	if err := conf.StopRecording(ctx); !errors.Is(err, ErrNoRecording) {
		t.Errorf("StopRecording = %v", err)
	}
}

func TestForSessionRegistersResource(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()
	owner := session(t, d, fake, "owner")

	c1, err := ForSession(ctx, owner, "sales", Options{})
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if id, ok := owner.Resource("conference:sales"); !ok || id != c1.BridgeID() {
		t.Fatalf("resource = %q, %v", id, ok)
	}
	c2, _ := ForSession(ctx, owner, "sales", Options{})
	if c2.BridgeID() != c1.BridgeID() || fake.Count(aritest.OpBridgeCreate) != 1 {
		t.Errorf("second lookup created a new bridge: %s", fake)
	}

	_ = c1.Destroy(ctx)
	if _, ok := owner.Resource("conference:sales"); ok {
		t.Error("resource kept after destroy")
	}
}

func TestTalkCallbacks(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()

	var mu sync.Mutex
	var started []string
	var talked time.Duration
	onStart := func(ch string) {
		mu.Lock()
		started = append(started, ch)
		mu.Unlock()
	}
	onFinish := func(_ string, dur time.Duration) {
		mu.Lock()
		talked = dur
		mu.Unlock()
	}
	conf, _ := Create(ctx, d, "room", Options{
		TalkDetection:     true,
		OnTalkingStarted:  onStart,
		OnTalkingFinished: onFinish,
	})
	_ = conf.Join(ctx, session(t, d, fake, "A"))

	d.HandleEvent(aritest.TalkingStarted("A"))
	d.HandleEvent(aritest.TalkingFinished("A", 1500))
	d.HandleEvent(aritest.TalkingStarted("stranger"))

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || started[0] != "A" {
		t.Errorf("started = %v", started)
	}
	if talked != 1500*time.Millisecond {
		t.Errorf("talked = %v", talked)
	}
	vars := fake.Calls(aritest.OpSetVariable)
	if len(vars) != 1 || vars[0].Args["variable"] != "TALK_DETECT(set)" {
		t.Errorf("talk detection not enabled: %+v", vars)
	}
}

func TestBridgeOpsTolerance(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	ctx := context.Background()
	ops := NewBridgeOps(d, "gone", "")

	fake.FailNext(aritest.OpBridgeMOHStart, aritest.Conflict(ari.ResourceBridge, "start moh"))
	if err := ops.StartMOH(ctx); err != nil {
		t.Errorf("StartMOH on departed bridge: %v", err)
	}
	fake.FailNext(aritest.OpBridgeMOHStop, aritest.Conflict(ari.ResourceBridge, ari.OpStopMOH))
	if err := ops.StopMOH(ctx); err != nil {
		t.Errorf("StopMOH when silent: %v", err)
	}
	if err := ops.Destroy(ctx); err != nil {
		t.Errorf("Destroy of missing bridge: %v", err)
	}
	if n, err := ops.MemberCount(ctx); err != nil || n != 0 {
		t.Errorf("MemberCount = %d, %v", n, err)
	}
	if class := fake.Calls(aritest.OpBridgeMOHStart)[0].Args["class"]; class != "default" {
		t.Errorf("moh class = %q", class)
	}

	fake.FailNext(aritest.OpBridgeMOHStart, aritest.Status(ari.ResourceBridge, "start moh", 400))
	if err := ops.StartMOH(ctx); err == nil {
		t.Error("unrelated failure should surface")
	}
}
