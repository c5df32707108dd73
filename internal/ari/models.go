// Package ari is the boundary to the PBX's asynchronous control protocol.
// Resource models come from the CyCoreSystems ARI library; this package adds
// the closed event enumeration, the context-aware command port the runtime
// is written against, and the adapter binding that port to the library's
// native client.
package ari

import goari "github.com/CyCoreSystems/ari/v5"

// Channel states reported by the PBX.
const (
	ChannelStateDown    = "Down"
	ChannelStateRing    = "Ring"
	ChannelStateRinging = "Ringing"
	ChannelStateUp      = "Up"
)

// Hangup reasons accepted by the hangup command.
const (
	HangupNormal     = "normal"
	HangupBusy       = "busy"
	HangupCongestion = "congestion"
	HangupNoAnswer   = "no_answer"
)

type (
	ChannelData       = goari.ChannelData
	CallerID          = goari.CallerID
	DialplanCEP       = goari.DialplanCEP
	BridgeData        = goari.BridgeData
	PlaybackData      = goari.PlaybackData
	LiveRecordingData = goari.LiveRecordingData
	RecordingOptions  = goari.RecordingOptions
	OriginateRequest  = goari.OriginateRequest
)

// Answered reports whether the channel is up.
func Answered(ch *ChannelData) bool {
	return ch != nil && ch.State == ChannelStateUp
}

// PlayRequest starts media on a channel or bridge. PlaybackID is assigned by
// the caller so a retried request addresses the same playback. Language is
// applied to the channel before playing; empty keeps the channel's own.
type PlayRequest struct {
	PlaybackID string
	Media      string
	Language   string
}
