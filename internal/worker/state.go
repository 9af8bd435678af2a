// Package worker owns a single sandboxed worker process: its lifecycle state
// machine, its private pipe pair, and the resources pinned to it (cgroup,
// seccomp notification fd).
package worker

import (
	appErr "boxd/pkg/errors"
)

// State is the lifecycle position of one worker.
type State int

const (
	// StateSpawning covers clone through first breath: the process exists
	// but has not confirmed its isolation profile yet.
	StateSpawning State = iota
	// StateIsolating means the child is applying its in-process steps and
	// the parent is waiting on the setup report.
	StateIsolating
	// StateIdle means the worker is fully confined and ready for a job.
	StateIdle
	// StateBusy means exactly one job is in flight.
	StateBusy
	// StateCrashed means the process died outside the protocol.
	StateCrashed
	// StateRecycling means the worker hit its job quota and is being torn
	// down for replacement.
	StateRecycling
	// StateTerminated is final; the pid is reaped and resources released.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIsolating:
		return "isolating"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateRecycling:
		return "recycling"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateSpawning:   {StateIsolating, StateCrashed, StateTerminated},
	StateIsolating:  {StateIdle, StateCrashed, StateTerminated},
	StateIdle:       {StateBusy, StateCrashed, StateRecycling, StateTerminated},
	StateBusy:       {StateIdle, StateCrashed, StateRecycling, StateTerminated},
	StateCrashed:    {StateTerminated},
	StateRecycling:  {StateTerminated},
	StateTerminated: {},
}

// CanTransition reports whether the lifecycle permits moving to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition validates and performs a state change, returning an error for
// moves the lifecycle does not permit. Callers hold their own locking; the
// check exists so a bookkeeping bug surfaces as an error instead of a
// silently corrupt pool.
func Transition(current *State, next State) error {
	if !current.CanTransition(next) {
		return appErr.Newf(appErr.Internal, "invalid worker transition %s -> %s", *current, next)
	}
	*current = next
	return nil
}
