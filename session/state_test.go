package session

import (
	"errors"
	"testing"
)

func TestCanTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateAdvertising},
		{StateIdle, StateScanning},
		{StateIdle, StateNegotiating},
		{StateAdvertising, StateNegotiating},
		{StateScanning, StateConnecting},
		{StateConnecting, StateNegotiating},
		{StateNegotiating, StateVerifying},
		{StateNegotiating, StateTransferring},
		{StateVerifying, StateTransferring},
		{StateTransferring, StateCompleted},
		{StateTransferring, StateFailed},
		{StateCompleted, StateIdle},
		{StateFailed, StateIdle},
		{StateCancelled, StateIdle},
	}
	for _, edge := range allowed {
		if !CanTransition(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be allowed", edge.from, edge.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateIdle, StateTransferring},
		{StateIdle, StateVerifying},
		{StateVerifying, StateAdvertising},
		{StateTransferring, StateVerifying},
		{StateCompleted, StateTransferring},
		{StateFailed, StateNegotiating},
		{StateCancelled, StateAdvertising},
	}
	for _, edge := range forbidden {
		if CanTransition(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be rejected", edge.from, edge.to)
		}
	}
}

func TestCanTransitionSelfIsAllowed(t *testing.T) {
	for _, state := range []State{StateIdle, StateVerifying, StateTransferring, StateCompleted} {
		if !CanTransition(state, state) {
			t.Fatalf("expected %s -> %s re-entry to be allowed", state, state)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed, StateCancelled} {
		if !state.IsTerminal() {
			t.Fatalf("expected %s to be terminal", state)
		}
	}
	for _, state := range []State{StateIdle, StateAdvertising, StateTransferring} {
		if state.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", state)
		}
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: StateIdle, To: StateTransferring}
	if err.Error() != "session: invalid state transition idle -> transferring" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	var target *InvalidTransitionError
	if !errors.As(error(err), &target) {
		t.Fatalf("errors.As failed")
	}
}
