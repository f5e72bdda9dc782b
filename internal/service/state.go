package service

import (
	"errors"
	"fmt"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// ErrInvalidTransition reports a state change outside the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists allowed moves. Moving to Dead is allowed from any state and
// is not listed here.
var transitions = map[protocol.State][]protocol.State{
	protocol.StateDead:       {protocol.StateStarting},
	protocol.StateStarting:   {protocol.StateConnecting},
	protocol.StateConnecting: {protocol.StateRunning},
	protocol.StateRunning:    {protocol.StatePaused},
	protocol.StatePaused:     {protocol.StateRunning},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to protocol.State) bool {
	if to == protocol.StateDead {
		return from != protocol.StateDead
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves r to state to. Invalid moves leave r untouched.
func (r *Record) Transition(to protocol.State) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Name, r.State, to)
	}
	r.State = to
	return nil
}
