// Package session implements the Session and Session Manager: the
// per-connection coroutine that pulls a task off the pool, writes it to
// a worker, reads the response back, and hands it to an application
// sink, plus the manager that owns the set of live sessions.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/taskpool"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

// Session owns one accepted socket and runs the pool→write→read→deliver
// loop until the socket closes, the pool shuts down, or an I/O step
// fails. Sockets are single-use: there are no retries within a session.
type Session struct {
	id          uint64
	conn        *socket.Socket
	reactor     *reactor.Reactor
	pool        *taskpool.Pool
	sink        Sink
	maxBodySize uint32
	log         *logging.Logger

	state   *sessionState
	metrics Metrics
}

func newSession(id uint64, conn *socket.Socket, r *reactor.Reactor, pool *taskpool.Pool, sink Sink, maxBodySize uint32, log *logging.Logger) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		reactor:     r,
		pool:        pool,
		sink:        sink,
		maxBodySize: maxBodySize,
		log:         log,
		state:       newSessionState(),
	}
}

// ID returns the session's manager-assigned identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the session's current state machine position.
func (s *Session) State() State { return s.state.Load() }

// Metrics returns a snapshot of this session's byte/task counters.
func (s *Session) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }

// Run executes the session loop until it terminates. It always leaves
// the socket closed and the state machine in StateClosed.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.state.Store(StateClosed)
		_ = s.conn.Close()
	}()

	// A blocked read or write only resumes on socket closure, so
	// cancellation must close the socket to take effect mid-exchange.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		msg, err := s.pool.GetNext(ctx)
		if err != nil {
			return
		}
		if !msg.IsValid() {
			// Pool shutdown sentinel.
			return
		}

		if err := s.exchange(msg); err != nil {
			if errors.Is(err, taskerr.ErrConnectionClosed) {
				s.log.Info().Uint64("session_id", s.id).Err(err).Log("session connection closed")
			} else {
				s.log.Err().Uint64("session_id", s.id).Err(err).Log("session I/O failed, closing")
			}
			return
		}
	}
}

// exchange writes one task and reads back its response, updating
// metrics and delivering to the sink on success.
func (s *Session) exchange(msg wire.TaskMessage) error {
	if !s.state.TryTransition(StateOpen, StateWriting) {
		return fmt.Errorf("session: unexpected state %s entering write", s.state.Load())
	}

	hdr, payload := msg.WireBytes()
	if err := s.conn.AsyncWriteScatter(s.reactor, hdr[:], payload); err != nil {
		return err
	}
	s.metrics.bytesOut.Add(uint64(len(hdr)) + uint64(len(payload)))

	if !s.state.TryTransition(StateWriting, StateReading) {
		return fmt.Errorf("session: unexpected state %s entering read", s.state.Load())
	}

	respHeader, err := s.conn.AsyncReadHeader(s.reactor)
	if err != nil {
		return err
	}
	if err := respHeader.Validate(s.maxBodySize); err != nil {
		return err
	}

	respBody := make([]byte, respHeader.BodySize)
	if err := s.conn.AsyncReadExact(s.reactor, respBody); err != nil {
		return err
	}
	s.metrics.bytesIn.Add(uint64(wire.HeaderSize) + uint64(respHeader.BodySize))

	s.sink.Deliver(respHeader.TaskID, respBody)
	s.metrics.tasksCompleted.Add(1)

	if !s.state.TryTransition(StateReading, StateOpen) {
		return fmt.Errorf("session: unexpected state %s completing exchange", s.state.Load())
	}
	return nil
}
