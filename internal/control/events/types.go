// Package events publishes call-control lifecycle notifications.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subject hierarchy:
//
//	ariflow.sessions.<channel_id>.<suffix>    - per-call events
//	ariflow.conferences.<bridge_id>.<suffix>  - per-bridge events
const (
	SubjectPrefix      = "ariflow"
	SubjectSessions    = SubjectPrefix + ".sessions"
	SubjectConferences = SubjectPrefix + ".conferences"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionStarted  Type = "session.started"
	SessionClaimed  Type = "session.claimed"
	SessionFailed   Type = "session.failed"
	SessionFinished Type = "session.finished"
	DialStarted     Type = "dial.started"
	DialAnswered    Type = "dial.answered"
	DialFailed      Type = "dial.failed"

	ConferenceCreated   Type = "conference.created"
	ConferenceJoined    Type = "conference.joined"
	ConferenceLeft      Type = "conference.left"
	ConferenceDestroyed Type = "conference.destroyed"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string            `json:"event_id"`
	Type      Type              `json:"event_type"`
	Time      time.Time         `json:"event_time"`
	ChannelID string            `json:"channel_id,omitempty"`
	BridgeID  string            `json:"bridge_id,omitempty"`
	App       string            `json:"app,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// New stamps a new event with an id and the current time.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC()}
}

// Session builds a per-call event.
func Session(t Type, channelID string) Event {
	e := New(t)
	e.ChannelID = channelID
	return e
}

// Conference builds a per-bridge event; channelID may be empty.
func Conference(t Type, bridgeID, channelID string) Event {
	e := New(t)
	e.BridgeID = bridgeID
	e.ChannelID = channelID
	return e
}

// Suffix is the last subject token, e.g. "started" for session.started.
func (t Type) Suffix() string {
	s := string(t)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[i+1:]
		}
	}
	return s
}

// Subject returns the routing subject.
// Example: ariflow.sessions.c1.started
func (e Event) Subject() string {
	if e.BridgeID != "" {
		return fmt.Sprintf("%s.%s.%s", SubjectConferences, e.BridgeID, e.Type.Suffix())
	}
	suffix := e.Type.Suffix()
	if e.Type == DialStarted || e.Type == DialAnswered || e.Type == DialFailed {
		suffix = "dial." + suffix
	}
	return fmt.Sprintf("%s.%s.%s", SubjectSessions, e.ChannelID, suffix)
}
