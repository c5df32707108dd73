package ari

import "context"

// Client groups the per-resource command namespaces. Every call issues one
// request; retrying is the caller's concern.
type Client interface {
	Channels() Channels
	Bridges() Bridges
	Playbacks() Playbacks
	Recordings() Recordings
}

// Channels are commands on call legs.
type Channels interface {
	Get(ctx context.Context, id string) (*ChannelData, error)
	List(ctx context.Context) ([]ChannelData, error)
	Answer(ctx context.Context, id string) error
	Hangup(ctx context.Context, id, reason string) error
	Ring(ctx context.Context, id string) error
	RingStop(ctx context.Context, id string) error
	Play(ctx context.Context, id string, req PlayRequest) (*PlaybackData, error)
	Record(ctx context.Context, id, name string, opts RecordingOptions) (*LiveRecordingData, error)
	Originate(ctx context.Context, req OriginateRequest) (*ChannelData, error)
	StartMOH(ctx context.Context, id, class string) error
	StopMOH(ctx context.Context, id string) error
	Mute(ctx context.Context, id, direction string) error
	Unmute(ctx context.Context, id, direction string) error
	SetVariable(ctx context.Context, id, name, value string) error
}

// Bridges are commands on mixing bridges.
type Bridges interface {
	Create(ctx context.Context, id, bridgeType, name string) (*BridgeData, error)
	Get(ctx context.Context, id string) (*BridgeData, error)
	Destroy(ctx context.Context, id string) error
	AddChannel(ctx context.Context, id, channelID, role string) error
	RemoveChannel(ctx context.Context, id, channelID string) error
	Play(ctx context.Context, id string, req PlayRequest) (*PlaybackData, error)
	Record(ctx context.Context, id, name string, opts RecordingOptions) (*LiveRecordingData, error)
	StartMOH(ctx context.Context, id, class string) error
	StopMOH(ctx context.Context, id string) error
}

// Playbacks control running playbacks.
type Playbacks interface {
	Stop(ctx context.Context, id string) error
}

// Recordings control live recordings.
type Recordings interface {
	Stop(ctx context.Context, name string) error
}
