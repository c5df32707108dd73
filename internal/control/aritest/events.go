package aritest

import (
	"time"

	goari "github.com/CyCoreSystems/ari/v5"

	"github.com/sebas/ariflow/internal/ari"
)

func meta(kind ari.EventKind) goari.EventData {
	return goari.EventData{Type: kind.String(), Application: "test", Timestamp: goari.DateTime(time.Now())}
}

// StasisStart builds a session-start event for a channel in the given
// dialplan extension.
func StasisStart(channelID, exten string, args ...string) *ari.Event {
	return ari.FromARI(&goari.StasisStart{
		EventData: meta(ari.KindStasisStart),
		Channel: goari.ChannelData{
			ID:       channelID,
			State:    ari.ChannelStateRing,
			Caller:   &goari.CallerID{Number: "1000"},
			Dialplan: &goari.DialplanCEP{Exten: exten},
		},
		Args: args,
	})
}

// StasisEnd builds a session-end event.
func StasisEnd(channelID string) *ari.Event {
	return ari.FromARI(&goari.StasisEnd{EventData: meta(ari.KindStasisEnd), Channel: goari.ChannelData{ID: channelID}})
}

// PlaybackFinished builds a playback-finished event; target is a channel or
// bridge URI such as "channel:c1".
func PlaybackFinished(playbackID, target string) *ari.Event {
	return ari.FromARI(&goari.PlaybackFinished{
		EventData: meta(ari.KindPlaybackFinished),
		Playback:  goari.PlaybackData{ID: playbackID, TargetURI: target, State: "done"},
	})
}

// RecordingFinished builds a recording-finished event with the duration in
// seconds.
func RecordingFinished(name, target string, seconds int) *ari.Event {
	return ari.FromARI(&goari.RecordingFinished{
		EventData: meta(ari.KindRecordingFinished),
		Recording: goari.LiveRecordingData{
			Name:      name,
			TargetURI: target,
			State:     "done",
			Duration:  goari.DurationSec(time.Duration(seconds) * time.Second),
		},
	})
}

// RecordingFailed builds a recording-failed event.
func RecordingFailed(name, target, cause string) *ari.Event {
	return ari.FromARI(&goari.RecordingFailed{
		EventData: meta(ari.KindRecordingFailed),
		Recording: goari.LiveRecordingData{Name: name, TargetURI: target, State: "failed", Cause: cause},
	})
}

// DTMF builds a digit-received event.
func DTMF(channelID, digit string) *ari.Event {
	return ari.FromARI(&goari.ChannelDtmfReceived{
		EventData:  meta(ari.KindChannelDtmfReceived),
		Channel:    goari.ChannelData{ID: channelID},
		Digit:      digit,
		DurationMs: 100,
	})
}

// HangupRequest builds a hangup-request event.
func HangupRequest(channelID string) *ari.Event {
	return ari.FromARI(&goari.ChannelHangupRequest{EventData: meta(ari.KindChannelHangupRequest), Channel: goari.ChannelData{ID: channelID}})
}

// TalkingStarted builds a talk-detection start event.
func TalkingStarted(channelID string) *ari.Event {
	return ari.FromARI(&goari.ChannelTalkingStarted{EventData: meta(ari.KindChannelTalkingStarted), Channel: goari.ChannelData{ID: channelID}})
}

// TalkingFinished builds a talk-detection end event.
func TalkingFinished(channelID string, durationMs int) *ari.Event {
	return ari.FromARI(&goari.ChannelTalkingFinished{
		EventData: meta(ari.KindChannelTalkingFinished),
		Channel:   goari.ChannelData{ID: channelID},
		Duration:  durationMs,
	})
}

// LeftBridge builds a channel-left-bridge event.
func LeftBridge(channelID, bridgeID string) *ari.Event {
	return ari.FromARI(&goari.ChannelLeftBridge{
		EventData: meta(ari.KindChannelLeftBridge),
		Channel:   goari.ChannelData{ID: channelID},
		Bridge:    goari.BridgeData{ID: bridgeID},
	})
}

// Dial builds a dial progress event for an outbound peer channel.
func Dial(peerID, status string) *ari.Event {
	return ari.FromARI(&goari.Dial{
		EventData:  meta(ari.KindDial),
		Peer:       goari.ChannelData{ID: peerID},
		Dialstatus: status,
	})
}

// ChannelDestroyed builds a channel-destroyed event.
func ChannelDestroyed(channelID string) *ari.Event {
	return ari.FromARI(&goari.ChannelDestroyed{EventData: meta(ari.KindChannelDestroyed), Channel: goari.ChannelData{ID: channelID}})
}
