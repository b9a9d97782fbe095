package client

import (
	"fmt"
	"slices"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func allStateNames() []string {
	return []string{"disconnected", "connecting", "connected", "reconnecting"}
}

// validTransitions defines allowed state transitions
// Key is the source state, value is a slice of valid target states
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting},
	Reconnecting: {Connecting, Disconnected},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// StateChange is emitted to watchers on every transition.
type StateChange struct {
	From      State
	To        State
	Err       error
	Timestamp time.Time
}

// InvalidTransitionError is returned when the manager attempts an illegal move.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid connection transition: cannot transition from %q to %q", e.From, e.To)
}
