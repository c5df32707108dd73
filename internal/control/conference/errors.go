package conference

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady    = errors.New("conference not ready")
	ErrNotMember   = errors.New("channel is not a member")
	ErrNoRecording = errors.New("conference is not recording")
)

// ConferenceError is a failed conference step. Steps completed before the
// failure are left in place.
type ConferenceError struct {
	Step      string
	BridgeID  string
	ChannelID string
	Err       error
}

func (e *ConferenceError) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("conference %s: %s %s: %v", e.BridgeID, e.Step, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("conference %s: %s: %v", e.BridgeID, e.Step, e.Err)
}

func (e *ConferenceError) Unwrap() error { return e.Err }
