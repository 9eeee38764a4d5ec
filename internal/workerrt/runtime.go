// Package workerrt implements the worker runtime, the dual of the
// manager-side session: it connects to the manager, then loops reading
// a task header and body, dispatching to the skill registry, and
// writing the response, until paused or shut down.
package workerrt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/skill"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

// Strategy selects how the runtime's awaitable I/O is scheduled.
type Strategy int

const (
	// Blocking dedicates a private, single-threaded reactor to the
	// runtime, so its I/O occupies one goroutine end to end the way a
	// dedicated OS thread would in the original design.
	Blocking Strategy = iota
	// Async shares a caller-supplied reactor with other runtimes or
	// sessions in the same process.
	Async
)

// Status is the outcome of one Run call.
type Status int

const (
	StatusPaused Status = iota
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics is a live counter set updated as the runtime processes tasks.
type Metrics struct {
	tasksCompleted atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TasksCompleted uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{TasksCompleted: m.tasksCompleted.Load()}
}

// Config configures a Runtime at construction.
type Config struct {
	Host           string
	Port           int
	Strategy       Strategy
	Registry       *skill.Registry
	MaxBodySize    uint32
	ConnectTimeout time.Duration
	// Reactor is required for Strategy == Async and ignored otherwise.
	Reactor *reactor.Reactor
	Log     *logging.Logger
}

// Runtime owns one reused connection to the manager and the loop that
// drives it.
type Runtime struct {
	host           string
	port           int
	strategy       Strategy
	registry       *skill.Registry
	maxBodySize    uint32
	connectTimeout time.Duration
	log            *logging.Logger

	reactor    *reactor.Reactor
	ownReactor bool

	mu           sync.Mutex
	conn         *socket.Socket
	shuttingDown bool

	pauseRequested atomic.Bool
	metrics        Metrics
}

// New constructs a Runtime from cfg. For Strategy == Blocking, a private
// single-goroutine reactor is created and owned by the Runtime; for
// Strategy == Async, cfg.Reactor must be non-nil.
func New(cfg Config) *Runtime {
	rt := &Runtime{
		host:           cfg.Host,
		port:           cfg.Port,
		strategy:       cfg.Strategy,
		registry:       cfg.Registry,
		maxBodySize:    cfg.MaxBodySize,
		connectTimeout: cfg.ConnectTimeout,
		log:            cfg.Log,
	}
	if rt.log == nil {
		rt.log = logging.Discard()
	}
	if rt.connectTimeout == 0 {
		rt.connectTimeout = 5 * time.Second
	}

	switch cfg.Strategy {
	case Async:
		rt.reactor = cfg.Reactor
	default:
		rt.reactor = reactor.New(2 * time.Millisecond)
		_ = rt.reactor.Start(1)
		rt.ownReactor = true
	}
	return rt
}

// Metrics returns a snapshot of the runtime's task counters.
func (rt *Runtime) Metrics() MetricsSnapshot { return rt.metrics.snapshot() }

// Pause requests the runtime return Status Paused at the next loop
// iteration boundary.
func (rt *Runtime) Pause() { rt.pauseRequested.Store(true) }

// Shutdown marks the runtime as shutting down and closes any open
// connection, interrupting an in-flight awaitable read/write or
// connect. If the runtime owns a private reactor (Blocking strategy) it
// is stopped too.
func (rt *Runtime) Shutdown() error {
	rt.mu.Lock()
	rt.shuttingDown = true
	conn := rt.conn
	rt.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if rt.ownReactor {
		rt.reactor.Stop()
	}
	return err
}

// connect returns the runtime's connection, reusing a still-open socket
// from a previous Run (e.g. across a Paused return) and otherwise
// re-dialing, closing any previously open fd first. The dialing socket
// is published to rt.conn before the connect resolves, so Shutdown's
// Close interrupts an in-flight connect: the waiter observes the
// closure and errors out.
func (rt *Runtime) connect() (*socket.Socket, error) {
	rt.mu.Lock()
	if rt.shuttingDown {
		rt.mu.Unlock()
		return nil, taskerr.ErrConnectionClosed
	}
	if rt.conn != nil && rt.conn.IsOpen() {
		conn := rt.conn
		rt.mu.Unlock()
		return conn, nil
	}
	if rt.conn != nil {
		_ = rt.conn.Close()
		rt.conn = nil
	}

	conn, err := socket.StartConnect(rt.host, rt.port)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	rt.conn = conn
	rt.mu.Unlock()

	if rt.strategy == Async {
		err = conn.AsyncConnect(rt.reactor)
	} else {
		err = conn.WaitConnect(rt.connectTimeout)
	}
	if err != nil {
		_ = conn.Close()
		rt.mu.Lock()
		if rt.conn == conn {
			rt.conn = nil
		}
		rt.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Run connects if necessary, then loops reading and dispatching tasks
// until paused, shut down, the context is cancelled, or an I/O step
// fails. The connection is left open across a Paused return so a
// subsequent Run resumes on the same socket; a Closed return always
// leaves the socket closed.
func (rt *Runtime) Run(ctx context.Context) (Status, error) {
	conn, err := rt.connect()
	if err != nil {
		return StatusClosed, err
	}

	// A blocked read only resumes on socket closure, so cancellation
	// must close the connection to take effect mid-exchange.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return StatusClosed, ctx.Err()
		default:
		}

		if rt.pauseRequested.CompareAndSwap(true, false) {
			return StatusPaused, nil
		}

		if err := rt.exchange(ctx, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, taskerr.ErrConnectionClosed) {
				rt.log.Info().Err(err).Log("manager connection closed")
			} else {
				rt.log.Err().Err(err).Log("worker runtime I/O failed, closing")
			}
			return StatusClosed, err
		}
	}
}

// exchange reads one task request, dispatches it, and writes the
// response.
func (rt *Runtime) exchange(ctx context.Context, conn *socket.Socket) error {
	hdr, err := conn.AsyncReadHeader(rt.reactor)
	if err != nil {
		return err
	}
	if err := hdr.Validate(rt.maxBodySize); err != nil {
		return err
	}

	payload := make([]byte, hdr.BodySize)
	if err := conn.AsyncReadExact(rt.reactor, payload); err != nil {
		return err
	}

	resp, err := rt.registry.Dispatch(ctx, hdr.SkillID, payload)
	if err != nil {
		return err
	}

	respMsg, err := wire.NewTaskMessage(hdr.TaskID, hdr.SkillID, resp, time.Now())
	if err != nil {
		return err
	}
	respHdr, respPayload := respMsg.WireBytes()
	if err := conn.AsyncWriteScatter(rt.reactor, respHdr[:], respPayload); err != nil {
		return err
	}

	rt.metrics.tasksCompleted.Add(1)
	return nil
}
