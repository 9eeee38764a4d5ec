package session

import "sync/atomic"

// State is a session's position in its per-connection state machine:
// Open → Writing → Reading → Open → ... → Closed. Closed is terminal,
// reached on the first I/O failure or pool shutdown.
type State uint32

const (
	StateOpen State = iota
	StateWriting
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionState is a lock-free CAS state machine, the same shape the
// reactor package uses for its own lifecycle.
type sessionState struct {
	v atomic.Uint32
}

func newSessionState() *sessionState {
	s := &sessionState{}
	s.v.Store(uint32(StateOpen))
	return s
}

func (s *sessionState) Load() State {
	return State(s.v.Load())
}

func (s *sessionState) Store(v State) {
	s.v.Store(uint32(v))
}

func (s *sessionState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
