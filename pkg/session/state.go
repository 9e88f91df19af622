package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a recording session
type State string

const (
	StatePending   State = "pending"
	StateJoining   State = "joining"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
	StateError     State = "error"

	// StateNotFound is reported for unknown ids. A session is never in it.
	StateNotFound State = "not_found"
)

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StatePending:   {StateJoining, StateError},
	StateJoining:   {StateRecording, StateStopped, StateError},
	StateRecording: {StateStopped, StateError},
}

// String returns the wire name of the state
func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Active reports whether a worker may still be driving the session
func (s State) Active() bool {
	switch s {
	case StatePending, StateJoining, StateRecording:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
