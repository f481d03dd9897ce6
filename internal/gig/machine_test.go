package gig

import (
	"errors"
	"testing"
)

func TestNextValidEdges(t *testing.T) {
	cases := []struct {
		from   State
		event  Event
		target State
		op     OpKind
	}{
		{StateOpen, EventFund, StateFunded, OpFund},
		{StateOpen, EventCancel, StateCancelled, opNone},
		{StateFunded, EventAccept, StateInProgress, opNone},
		{StateFunded, EventCancel, StateCancelled, OpRefund},
		{StateInProgress, EventComplete, StateCompleted, OpRelease},
		{StateInProgress, EventCancel, StateCancelled, OpRefund},
		{StateInProgress, EventDispute, StateDisputed, opNone},
		{StateDisputed, EventResolve, StateResolved, OpResolve},
	}

	for _, tc := range cases {
		target, op, err := Next(tc.from, tc.event)
		if err != nil {
			t.Errorf("Next(%s, %s): unexpected error %v", tc.from, tc.event, err)
			continue
		}
		if target != tc.target || op != tc.op {
			t.Errorf("Next(%s, %s) = (%s, %s), want (%s, %s)",
				tc.from, tc.event, target, op, tc.target, tc.op)
		}
	}
}

func TestNextRejectsInvalidEdges(t *testing.T) {
	cases := []struct {
		from  State
		event Event
	}{
		{StateOpen, EventComplete},
		{StateOpen, EventAccept},
		{StateOpen, EventResolve},
		{StateFunded, EventFund},
		{StateFunded, EventComplete},
		{StateFunded, EventDispute},
		{StateInProgress, EventFund},
		{StateInProgress, EventResolve},
		{StateDisputed, EventCancel},
		{StateDisputed, EventComplete},
		{StateCompleted, EventComplete},
		{StateCancelled, EventFund},
		{StateResolved, EventResolve},
	}

	for _, tc := range cases {
		_, _, err := Next(tc.from, tc.event)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s, %s): got %v, want ErrInvalidTransition", tc.from, tc.event, err)
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []State{StateCompleted, StateCancelled, StateResolved} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if edges := transitions[s]; len(edges) != 0 {
			t.Errorf("terminal state %s has outgoing edges %v", s, edges)
		}
	}
}

func TestEscrowHeld(t *testing.T) {
	held := map[State]bool{
		StateOpen:       false,
		StateFunded:     true,
		StateInProgress: true,
		StateCompleted:  true,
		StateCancelled:  false,
		StateDisputed:   true,
		StateResolved:   false,
	}
	for s, want := range held {
		if got := s.EscrowHeld(); got != want {
			t.Errorf("%s.EscrowHeld() = %v, want %v", s, got, want)
		}
	}
}

func TestSettlementKinds(t *testing.T) {
	if OpFund.Settlement() {
		t.Error("fund must not be a settlement kind")
	}
	for _, k := range []OpKind{OpRelease, OpRefund, OpResolve} {
		if !k.Settlement() {
			t.Errorf("%s must be a settlement kind", k)
		}
	}
}
