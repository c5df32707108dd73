package conference

import "fmt"

// State is the lifecycle state of a conference bridge.
type State int32

const (
	// StateCreating indicates the bridge-create command is in flight.
	StateCreating State = iota
	// StateReady indicates the bridge exists and accepts members.
	StateReady
	// StateDestroying indicates teardown has started.
	StateDestroying
	// StateDestroyed indicates the bridge is gone.
	StateDestroyed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateReady:
		return "Ready"
	case StateDestroying:
		return "Destroying"
	case StateDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true once the conference can no longer be used.
func (s State) IsTerminal() bool {
	return s == StateDestroying || s == StateDestroyed
}
