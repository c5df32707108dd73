package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEventSubjectNaming(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Session(SessionStarted, "c1"), "ariflow.sessions.c1.started"},
		{Session(SessionFailed, "c1"), "ariflow.sessions.c1.failed"},
		{Session(DialAnswered, "out-1"), "ariflow.sessions.out-1.dial.answered"},
		{Conference(ConferenceJoined, "b1", "c1"), "ariflow.conferences.b1.joined"},
		{Conference(ConferenceDestroyed, "b1", ""), "ariflow.conferences.b1.destroyed"},
	}
	for _, tt := range tests {
		if got := tt.event.Subject(); got != tt.want {
			t.Errorf("Subject() = %q, want %q", got, tt.want)
		}
	}
}

func TestEventJSON(t *testing.T) {
	e := Session(SessionStarted, "c1")
	e.App = "ivr"
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	checks := map[string]string{
		"event_type": "session.started",
		"channel_id": "c1",
		"app":        "ivr",
	}
	for k, want := range checks {
		if got, _ := m[k].(string); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if id, _ := m["event_id"].(string); id == "" {
		t.Error("event_id is empty")
	}
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	p := NewChannelPublisher(1)
	ctx := context.Background()
	_ = p.Publish(ctx, Session(SessionStarted, "c1"))
	_ = p.Publish(ctx, Session(SessionStarted, "c2"))

	if p.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", p.DroppedCount())
	}
	if ev := <-p.Events(); ev.ChannelID != "c1" {
		t.Errorf("ChannelID = %q, want c1", ev.ChannelID)
	}
	_ = p.Close()
	if err := p.Publish(ctx, Session(SessionStarted, "c3")); err != nil {
		t.Errorf("Publish after Close = %v", err)
	}
}
