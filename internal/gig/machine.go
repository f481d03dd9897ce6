package gig

import "fmt"

// Event is a requested lifecycle transition.
type Event string

const (
	EventFund     Event = "fund"
	EventAccept   Event = "accept"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventDispute  Event = "dispute"
	EventResolve  Event = "resolve"
)

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case EventFund, EventAccept, EventComplete, EventCancel, EventDispute, EventResolve:
		return true
	}
	return false
}

// transition is one edge of the lifecycle machine.
type transition struct {
	target State
	op     OpKind
}

// transitions is the full edge set. Pure data; guards that need I/O (in-flight
// operations, authorization) live in the coordinator.
var transitions = map[State]map[Event]transition{
	StateOpen: {
		EventFund:   {StateFunded, OpFund},
		EventCancel: {StateCancelled, opNone}, // unfunded, nothing on chain to undo
	},
	StateFunded: {
		EventAccept: {StateInProgress, opNone},
		EventCancel: {StateCancelled, OpRefund},
	},
	StateInProgress: {
		EventComplete: {StateCompleted, OpRelease},
		EventCancel:   {StateCancelled, OpRefund},
		EventDispute:  {StateDisputed, opNone},
	},
	StateDisputed: {
		EventResolve: {StateResolved, OpResolve},
	},
}

// Next validates event against the current state and returns the target state
// and the escrow operation the transition requires (opNone for purely local
// transitions). Returns ErrInvalidTransition for any unknown edge.
func Next(s State, e Event) (State, OpKind, error) {
	if edges, ok := transitions[s]; ok {
		if tr, ok := edges[e]; ok {
			return tr.target, tr.op, nil
		}
	}
	return "", opNone, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, e, s)
}
