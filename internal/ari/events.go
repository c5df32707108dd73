package ari

import (
	"fmt"
	"strings"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
)

// EventKind identifies a protocol message variant.
type EventKind int

const (
	// KindUnknown is any message type this runtime does not model.
	KindUnknown EventKind = iota
	KindStasisStart
	KindStasisEnd
	KindPlaybackStarted
	KindPlaybackFinished
	KindRecordingStarted
	KindRecordingFinished
	KindRecordingFailed
	KindChannelDtmfReceived
	KindChannelHangupRequest
	KindChannelDestroyed
	KindChannelStateChange
	KindChannelTalkingStarted
	KindChannelTalkingFinished
	KindChannelEnteredBridge
	KindChannelLeftBridge
	KindBridgeCreated
	KindBridgeDestroyed
	KindDial
	KindDeviceStateChanged
)

// keyRule says where an event's correlation key lives.
type keyRule int

const (
	keyNone keyRule = iota
	keyChannel
	keyPeer
	keyPlaybackTarget
	keyRecordingTarget
)

type kindInfo struct {
	name string
	key  keyRule
}

var kinds = map[EventKind]kindInfo{
	KindUnknown:                {"Unknown", keyChannel},
	KindStasisStart:            {"StasisStart", keyChannel},
	KindStasisEnd:              {"StasisEnd", keyChannel},
	KindPlaybackStarted:        {"PlaybackStarted", keyPlaybackTarget},
	KindPlaybackFinished:       {"PlaybackFinished", keyPlaybackTarget},
	KindRecordingStarted:       {"RecordingStarted", keyRecordingTarget},
	KindRecordingFinished:      {"RecordingFinished", keyRecordingTarget},
	KindRecordingFailed:        {"RecordingFailed", keyRecordingTarget},
	KindChannelDtmfReceived:    {"ChannelDtmfReceived", keyChannel},
	KindChannelHangupRequest:   {"ChannelHangupRequest", keyChannel},
	KindChannelDestroyed:       {"ChannelDestroyed", keyChannel},
	KindChannelStateChange:     {"ChannelStateChange", keyChannel},
	KindChannelTalkingStarted:  {"ChannelTalkingStarted", keyChannel},
	KindChannelTalkingFinished: {"ChannelTalkingFinished", keyChannel},
	KindChannelEnteredBridge:   {"ChannelEnteredBridge", keyChannel},
	KindChannelLeftBridge:      {"ChannelLeftBridge", keyChannel},
	KindBridgeCreated:          {"BridgeCreated", keyNone},
	KindBridgeDestroyed:        {"BridgeDestroyed", keyNone},
	KindDial:                   {"Dial", keyPeer},
	KindDeviceStateChanged:     {"DeviceStateChanged", keyNone},
}

var kindByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kinds))
	for k, info := range kinds {
		m[info.name] = k
	}
	return m
}()

// String returns the protocol message type name.
func (k EventKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ParseEventKind maps a protocol type name to its kind.
func ParseEventKind(name string) EventKind {
	if k, ok := kindByName[name]; ok {
		return k
	}
	return KindUnknown
}

// Event is one message from the event stream, flattened from the library's
// typed variant. Raw keeps the variant for anything not lifted here.
type Event struct {
	Kind        EventKind
	Type        string
	Application string
	Timestamp   time.Time
	AsteriskID  string
	Channel     *ChannelData
	Peer        *ChannelData
	Caller      *ChannelData
	Bridge      *BridgeData
	Playback    *PlaybackData
	Recording   *LiveRecordingData
	Digit       string
	DurationMs  int
	Duration    int
	DialStatus  string
	Cause       int
	Args        []string
	Raw         goari.Event
}

// DecodeEvent parses a raw stream message. Types the library does not know
// are rejected.
func DecodeEvent(raw []byte) (*Event, error) {
	e, err := goari.DecodeEvent(raw)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return FromARI(e), nil
}

// FromARI maps a library event onto the closed kind table.
func FromARI(e goari.Event) *Event {
	ev := &Event{
		Kind:        ParseEventKind(e.GetType()),
		Type:        e.GetType(),
		Application: e.GetApplication(),
		AsteriskID:  e.GetNode(),
		Raw:         e,
	}
	switch v := e.(type) {
	case *goari.StasisStart:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Args = v.Args
	case *goari.StasisEnd:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
	case *goari.PlaybackStarted:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Playback = &v.Playback
	case *goari.PlaybackFinished:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Playback = &v.Playback
	case *goari.RecordingStarted:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Recording = &v.Recording
	case *goari.RecordingFinished:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Recording = &v.Recording
	case *goari.RecordingFailed:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Recording = &v.Recording
	case *goari.ChannelDtmfReceived:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Digit = v.Digit
		ev.DurationMs = v.DurationMs
	case *goari.ChannelHangupRequest:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Cause = v.Cause
	case *goari.ChannelDestroyed:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Cause = v.Cause
	case *goari.ChannelStateChange:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
	case *goari.ChannelTalkingStarted:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
	case *goari.ChannelTalkingFinished:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Duration = v.Duration
	case *goari.ChannelEnteredBridge:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Bridge = &v.Bridge
	case *goari.ChannelLeftBridge:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Channel = &v.Channel
		ev.Bridge = &v.Bridge
	case *goari.BridgeCreated:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Bridge = &v.Bridge
	case *goari.BridgeDestroyed:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Bridge = &v.Bridge
	case *goari.Dial:
		ev.Timestamp = time.Time(v.Timestamp)
		ev.Peer = &v.Peer
		if v.Caller.ID != "" {
			ev.Caller = &v.Caller
		}
		ev.DialStatus = v.Dialstatus
	}
	return ev
}

// CorrelationKey returns the resource id used to route the event, or "" if
// the event is only eligible for global subscriptions.
func (e *Event) CorrelationKey() string {
	info, ok := kinds[e.Kind]
	if !ok {
		return ""
	}
	switch info.key {
	case keyChannel:
		if e.Channel != nil {
			return e.Channel.ID
		}
		if e.Kind == KindUnknown && e.Raw != nil {
			for _, k := range e.Raw.Keys() {
				if k.Kind == goari.ChannelKey {
					return k.ID
				}
			}
		}
	case keyPeer:
		if e.Peer != nil {
			return e.Peer.ID
		}
	case keyPlaybackTarget:
		if e.Playback != nil {
			return targetID(e.Playback.TargetURI)
		}
	case keyRecordingTarget:
		if e.Recording != nil {
			return targetID(e.Recording.TargetURI)
		}
	}
	return ""
}

// targetID strips the resource scheme from a target URI ("channel:abc").
func targetID(uri string) string {
	if i := strings.IndexByte(uri, ':'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
