// Package session models one loader session: its lifecycle states, the legal
// transitions between them and the key material it exclusively owns.
package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State int

const (
	Uninitialized State = iota
	Handshaking
	Authenticating
	ValidatingLicense
	Active
	Suspended
	Terminated
	Banned
)

var stateNames = [...]string{
	Uninitialized:     "uninitialized",
	Handshaking:       "handshaking",
	Authenticating:    "authenticating",
	ValidatingLicense: "validating_license",
	Active:            "active",
	Suspended:         "suspended",
	Terminated:        "terminated",
	Banned:            "banned",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Absorbing reports whether s has no outgoing transitions.
func (s State) Absorbing() bool {
	return s == Terminated || s == Banned
}

// Live reports whether s may carry out the heartbeat cadence.
func (s State) Live() bool {
	return s == Active || s == Suspended
}

// ErrIllegalTransition is returned for a transition the state machine forbids.
var ErrIllegalTransition = errors.New("illegal session state transition")

// forward lists the non-terminal edges. Banned and Terminated are reachable
// from every non-absorbing state and are handled in CanTransition.
var forward = map[State][]State{
	Uninitialized:     {Handshaking},
	Handshaking:       {Authenticating},
	Authenticating:    {ValidatingLicense},
	ValidatingLicense: {Active},
	Active:            {Suspended},
	Suspended:         {Active},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Absorbing() {
		return false
	}
	if to == Banned || to == Terminated {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}
