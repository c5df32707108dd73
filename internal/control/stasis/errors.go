package stasis

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sebas/ariflow/internal/ari"
)

var (
	ErrChannelNotInApp = errors.New("channel not in application")
	ErrBridgeNotInApp  = errors.New("bridge not in application")
	ErrNotPlayingMusic = errors.New("bridge is not playing music")
	ErrAlreadyClaimed  = errors.New("channel already claimed")
	ErrClaimExpired    = errors.New("channel claim expired")
	ErrClosed          = errors.New("dispatcher closed")
	ErrNoChannel       = errors.New("event carries no channel")
)

// Classify maps invalid-state server responses to the sentinels above. The
// original error stays in the chain.
//
// The server answers 409 for a channel or bridge outside the application,
// 422 when a bridge command names such a channel, and 409 again when music
// is stopped on a silent bridge.
func Classify(err error) error {
	re, ok := ari.AsRequestError(err)
	if !ok {
		return err
	}
	switch {
	case re.Resource == ari.ResourceChannel && re.StatusCode == http.StatusConflict,
		re.Resource == ari.ResourceBridge && re.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", ErrChannelNotInApp, err)
	case re.Resource == ari.ResourceBridge && re.StatusCode == http.StatusConflict && re.Op == ari.OpStopMOH:
		return fmt.Errorf("%w: %w", ErrNotPlayingMusic, err)
	case re.Resource == ari.ResourceBridge && re.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrBridgeNotInApp, err)
	}
	return err
}

// PlaybackError is a failed playback.
type PlaybackError struct {
	PlaybackID string
	Media      string
	Err        error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s of %s: %v", e.PlaybackID, e.Media, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// RecordingError is a failed recording.
type RecordingError struct {
	Name  string
	Cause string // server-reported cause, when any
	Err   error
}

func (e *RecordingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recording %s failed: %s", e.Name, e.Cause)
	}
	return fmt.Sprintf("recording %s: %v", e.Name, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// DialError is an outbound call that did not answer.
type DialError struct {
	ChannelID string
	Endpoint  string
	Status    string // BUSY, NOANSWER, CONGESTION, CHANUNAVAIL, CANCEL, HANGUP
	Err       error
}

func (e *DialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dial %s (%s): %v", e.Endpoint, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("dial %s (%s): %s", e.Endpoint, e.ChannelID, e.Status)
}

func (e *DialError) Unwrap() error { return e.Err }
