package session

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StateRunning, StateInteractive, true},
		{StateInteractive, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateCancelled, true},
		{StateFailed, StateTerminated, true},
		{StateCompleted, StateRunning, false},
		{StateTerminated, StateRunning, false},
		{StateTerminated, StateTerminated, false},
		{StatePending, StateTerminated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestInfoTransition(t *testing.T) {
	info := Info{ID: "s1", State: StatePending}
	for _, next := range []State{StateRunning, StateInteractive, StateCompleted, StateTerminated} {
		if err := info.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if err := info.Transition(StateRunning); err == nil {
		t.Fatal("expected terminated to be final")
	}
	if info.State != StateTerminated {
		t.Errorf("state = %s, want terminated", info.State)
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateRunning.IsActive() || !StateInteractive.IsActive() {
		t.Error("running and interactive should be active")
	}
	if StateCompleted.IsActive() {
		t.Error("completed should not be active")
	}
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTerminated} {
		if !s.IsFinished() {
			t.Errorf("%s should be finished", s)
		}
	}
	if StatePending.IsFinished() {
		t.Error("pending should not be finished")
	}
}
