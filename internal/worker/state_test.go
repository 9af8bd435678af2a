package worker

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	s := StateSpawning
	for _, next := range []State{StateIsolating, StateIdle, StateBusy, StateIdle, StateRecycling, StateTerminated} {
		if err := Transition(&s, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if s != StateTerminated {
		t.Fatalf("final state = %s", s)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateSpawning, StateBusy},
		{StateSpawning, StateIdle},
		{StateIdle, StateIsolating},
		{StateCrashed, StateIdle},
		{StateCrashed, StateBusy},
		{StateTerminated, StateIdle},
		{StateTerminated, StateSpawning},
		{StateRecycling, StateBusy},
	}
	for _, tc := range cases {
		s := tc.from
		if err := Transition(&s, tc.to); err == nil {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
		if s != tc.from {
			t.Errorf("rejected transition mutated state: %s", s)
		}
	}
}

func TestBusyWorkerCanCrash(t *testing.T) {
	s := StateBusy
	if err := Transition(&s, StateCrashed); err != nil {
		t.Fatalf("busy -> crashed: %v", err)
	}
	if err := Transition(&s, StateTerminated); err != nil {
		t.Fatalf("crashed -> terminated: %v", err)
	}
}

func TestTeardownSequences(t *testing.T) {
	// The sequences the scheduler drives when it condemns a worker.
	cases := []struct {
		name string
		path []State
	}{
		{"timeout", []State{StateBusy, StateTerminated}},
		{"crash mid-job", []State{StateBusy, StateCrashed, StateTerminated}},
		{"recycle", []State{StateBusy, StateRecycling, StateTerminated}},
		{"idle crash", []State{StateIdle, StateCrashed, StateTerminated}},
		{"shutdown while idle", []State{StateIdle, StateTerminated}},
	}
	for _, tc := range cases {
		s := tc.path[0]
		for _, next := range tc.path[1:] {
			if err := Transition(&s, next); err != nil {
				t.Errorf("%s: transition to %s: %v", tc.name, next, err)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if StateIdle.String() != "idle" || StateRecycling.String() != "recycling" {
		t.Fatal("state names drifted")
	}
	if State(42).String() != "unknown" {
		t.Fatal("out-of-range state must stringify to unknown")
	}
}
