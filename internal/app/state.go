package app

import "sync/atomic"

// State is the lifecycle state of a group bridge. Transitions only move
// forward.
type State int32

const (
	StateConstructing State = iota
	StateListening
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type stateHolder struct {
	value atomic.Int32
}

func (h *stateHolder) load() State {
	return State(h.value.Load())
}

// advance moves to next if it is later than the current state.
func (h *stateHolder) advance(next State) (State, bool) {
	for {
		current := State(h.value.Load())
		if next <= current {
			return current, false
		}
		if h.value.CompareAndSwap(int32(current), int32(next)) {
			return current, true
		}
	}
}
