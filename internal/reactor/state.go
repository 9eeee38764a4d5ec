package reactor

import "sync/atomic"

// runState is the reactor's lifecycle state.
type runState uint32

const (
	stateStopped runState = iota
	stateRunning
	stateStopping
)

// fastState is a lock-free CAS state machine, one atomic word wide.
// Mirrors the attempt-free transition style used throughout this stack:
// TryTransition for contested transitions, Store for the final
// Stopping → Stopped step taken by the goroutine that won Running → Stopping.
type fastState struct {
	v atomic.Uint32
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(stateStopped))
	return s
}

func (s *fastState) Load() runState {
	return runState(s.v.Load())
}

func (s *fastState) Store(v runState) {
	s.v.Store(uint32(v))
}

func (s *fastState) TryTransition(from, to runState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
