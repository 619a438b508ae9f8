package esc

import (
	"fmt"
	"strings"
)

// ALState is a device state of the EtherCAT state machine.
type ALState uint8

// AL device states. ErrorFlag is the error indication in AL status and the
// acknowledge bit in AL control.
const (
	StateNone   ALState = 0x00
	StateInit   ALState = 0x01
	StatePreOp  ALState = 0x02
	StateBoot   ALState = 0x03
	StateSafeOp ALState = 0x04
	StateOp     ALState = 0x08

	StateMask ALState = 0x0F
	ErrorFlag ALState = 0x10
)

// String returns the name of the state.
func (s ALState) String() string {
	var name string
	switch s & StateMask {
	case StateNone:
		name = "None"
	case StateInit:
		name = "Init"
	case StatePreOp:
		name = "PreOp"
	case StateBoot:
		name = "Boot"
	case StateSafeOp:
		name = "SafeOp"
	case StateOp:
		name = "Op"
	default:
		name = fmt.Sprintf("ALState(0x%X)", uint8(s&StateMask))
	}
	if s&ErrorFlag != 0 {
		name += "+Error"
	}

	return name
}

// Valid reports whether s, ignoring the error flag, is a defined state.
func (s ALState) Valid() bool {
	switch s & StateMask {
	case StateInit, StatePreOp, StateBoot, StateSafeOp, StateOp:
		return true
	default:
		return false
	}
}

// Rank orders the four requestable states Init < PreOp < SafeOp < Op.
// Boot and undefined states rank 0 together with None.
func (s ALState) Rank() int {
	switch s & StateMask {
	case StateInit:
		return 1
	case StatePreOp:
		return 2
	case StateSafeOp:
		return 3
	case StateOp:
		return 4
	default:
		return 0
	}
}

// Requestable reports whether s may be used as a transition target.
func (s ALState) Requestable() bool {
	return s.Rank() > 0 && s&^StateMask == 0
}

// Next returns the state one step above s on the upward path, or s itself
// for Op and non-requestable states.
func (s ALState) Next() ALState {
	switch s & StateMask {
	case StateInit:
		return StatePreOp
	case StatePreOp:
		return StateSafeOp
	case StateSafeOp:
		return StateOp
	case StateBoot:
		return StateInit
	default:
		return s & StateMask
	}
}

// ParseALState parses a state name such as "safeop" or "OP".
func ParseALState(name string) (ALState, error) {
	switch strings.ToLower(name) {
	case "init":
		return StateInit, nil
	case "preop", "pre-op":
		return StatePreOp, nil
	case "boot":
		return StateBoot, nil
	case "safeop", "safe-op":
		return StateSafeOp, nil
	case "op":
		return StateOp, nil
	default:
		return StateNone, fmt.Errorf("esc: unknown AL state %q", name)
	}
}

// ALStatus is the content of the AL status register.
type ALStatus uint16

// State returns the reported device state without the error flag.
func (s ALStatus) State() ALState { return ALState(s) & StateMask }

// HasError reports whether the error indication is set.
func (s ALStatus) HasError() bool { return ALState(s)&ErrorFlag != 0 }

// String implements fmt.Stringer.
func (s ALStatus) String() string { return ALState(s).String() }
