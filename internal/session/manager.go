package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskpool"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

// Manager owns the set of live sessions, created one per accepted
// connection by the acceptor thread.
type Manager struct {
	pool        *taskpool.Pool
	reactor     *reactor.Reactor
	sink        Sink
	maxBodySize uint32
	log         *logging.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session

	wg sync.WaitGroup
}

// Stats is an aggregate snapshot across every session the manager
// currently tracks (including ones that have already closed but have
// not yet been reaped by CleanupCompleted).
type Stats struct {
	ActiveSessions int
	BytesIn        uint64
	BytesOut       uint64
	TasksCompleted uint64
}

// NewManager constructs a Manager. maxBodySize bounds response body
// size the way it bounds request body size on the wire.
func NewManager(pool *taskpool.Pool, r *reactor.Reactor, sink Sink, maxBodySize uint32, log *logging.Logger) *Manager {
	return &Manager{
		pool:        pool,
		reactor:     r,
		sink:        sink,
		maxBodySize: maxBodySize,
		log:         log,
		sessions:    make(map[uint64]*Session),
	}
}

// CreateSession wraps conn in a new Session, registers it, and launches
// its Run loop in a dedicated goroutine. The returned Session is visible
// in Stats/CleanupCompleted immediately.
func (m *Manager) CreateSession(ctx context.Context, conn *socket.Socket) *Session {
	id := m.nextID.Add(1)
	s := newSession(id, conn, m.reactor, m.pool, m.sink, m.maxBodySize, m.log)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(ctx)
	}()

	return s
}

// EnqueueTasks delegates to the pool.
func (m *Manager) EnqueueTasks(msgs []wire.TaskMessage) {
	m.pool.AddBatch(msgs)
}

// CleanupCompleted reaps sessions whose Run loop has exited, returning
// the count removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.State() == StateClosed {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Stats aggregates byte/task counters across every tracked session.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{ActiveSessions: len(m.sessions)}
	for _, s := range m.sessions {
		snap := s.Metrics()
		stats.BytesIn += snap.BytesIn
		stats.BytesOut += snap.BytesOut
		stats.TasksCompleted += snap.TasksCompleted
	}
	return stats
}

// Wait blocks until every session that has ever been created has
// returned from Run. Intended for shutdown sequencing.
func (m *Manager) Wait() {
	m.wg.Wait()
}
