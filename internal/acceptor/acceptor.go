// Package acceptor implements the manager's accept loop: a single
// dedicated goroutine that timed-accepts connections, wraps each in a
// Session via the Session Manager, and periodically runs maintenance.
// Shutdown ordering is safety-critical: running is cleared, the
// acceptor goroutine is joined, and only then is the listener closed.
package acceptor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/session"
	"github.com/taskfabric/taskmessenger/internal/socket"

	"github.com/joeycumines/go-catrate"
)

// AcceptTimeout bounds how long Acceptor.Listener.AcceptTimed blocks
// per attempt, which also bounds shutdown latency.
const AcceptTimeout = 500 * time.Millisecond

// RetryDelay is the sleep after a non-silent accept error while still
// running.
const RetryDelay = 50 * time.Millisecond

// MaintenanceInterval is the minimum spacing between maintenance passes.
const MaintenanceInterval = 2 * time.Second

// Listener is the subset of *socket.Listener the acceptor depends on,
// narrowed for testability.
type Listener interface {
	AcceptTimed(timeout time.Duration) (*socket.Socket, error)
	Close() error
}

// Option configures an Acceptor at construction.
type Option func(*Acceptor)

// WithAcceptRateLimit bounds the rate of accepted connections using a
// sliding-window limiter, guarding the session table against a
// reconnect storm from a misbehaving worker fleet. rates follows
// catrate.NewLimiter's convention: window duration to max event count.
func WithAcceptRateLimit(rates map[time.Duration]int) Option {
	return func(a *Acceptor) {
		a.limiter = catrate.NewLimiter(rates)
	}
}

// WithLogger overrides the acceptor's logger. Defaults to a discard
// logger if unset.
func WithLogger(log *logging.Logger) Option {
	return func(a *Acceptor) { a.log = log }
}

// Acceptor owns the single accept loop for a running manager process.
type Acceptor struct {
	listener Listener
	sessions *session.Manager
	log      *logging.Logger
	limiter  *catrate.Limiter

	running atomic.Bool
	wg      sync.WaitGroup

	socketsMu     sync.Mutex
	activeSockets []*socket.Socket

	lastMaintenance time.Time
}

// New constructs an Acceptor bound to listener and sessions. Call Start
// to begin accepting.
func New(listener Listener, sessions *session.Manager, opts ...Option) *Acceptor {
	a := &Acceptor{
		listener: listener,
		sessions: sessions,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the acceptor goroutine. It is not safe to call Start
// twice without an intervening Stop.
func (a *Acceptor) Start(ctx context.Context) {
	a.running.Store(true)
	a.lastMaintenance = time.Now()
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop clears running, joins the acceptor goroutine, and only then
// closes the listener; closing first risks a use-after-free inside the
// overlay network stack under the accept call.
func (a *Acceptor) Stop() error {
	a.running.Store(false)
	a.wg.Wait()
	return a.listener.Close()
}

func (a *Acceptor) loop(ctx context.Context) {
	defer a.wg.Done()

	for a.running.Load() {
		sock, err := a.listener.AcceptTimed(AcceptTimeout)
		if err != nil {
			if !a.isSilent(err) && a.running.Load() {
				a.log.Err().Err(err).Log("accept failed")
				time.Sleep(RetryDelay)
			}
			a.maybeRunMaintenance()
			continue
		}

		if !a.running.Load() {
			_ = sock.Close()
			break
		}

		if a.limiter != nil {
			if _, ok := a.limiter.Allow(remoteCategory(sock)); !ok {
				a.log.Info().Log("accept rate limit exceeded, dropping connection")
				_ = sock.Close()
				a.maybeRunMaintenance()
				continue
			}
		}

		a.record(sock)
		a.sessions.CreateSession(ctx, sock)
		a.maybeRunMaintenance()
	}
}

// record tracks an accepted socket for the maintenance pass. The socket
// is shared with its session, which owns closing it; the acceptor's
// list never extends its lifetime past the maintenance sweep.
func (a *Acceptor) record(sock *socket.Socket) {
	a.socketsMu.Lock()
	a.activeSockets = append(a.activeSockets, sock)
	a.socketsMu.Unlock()
}

// ActiveConnections returns the number of accepted sockets not yet
// dropped by the maintenance pass.
func (a *Acceptor) ActiveConnections() int {
	a.socketsMu.Lock()
	defer a.socketsMu.Unlock()
	return len(a.activeSockets)
}

// cleanupClosedConnections drops sockets that have been closed (by
// their session or peer) from the active list, returning the count
// removed.
func (a *Acceptor) cleanupClosedConnections() int {
	a.socketsMu.Lock()
	defer a.socketsMu.Unlock()
	kept := a.activeSockets[:0]
	for _, sock := range a.activeSockets {
		if sock.IsOpen() {
			kept = append(kept, sock)
		}
	}
	removed := len(a.activeSockets) - len(kept)
	for i := len(kept); i < len(a.activeSockets); i++ {
		a.activeSockets[i] = nil
	}
	a.activeSockets = kept
	return removed
}

// isSilent reports whether err is one of the expected, non-logged
// outcomes of a timed accept: timeout, would-block, or a listener
// closed out from under us during shutdown.
func (a *Acceptor) isSilent(err error) bool {
	return errors.Is(err, socket.ErrTimeout) ||
		errors.Is(err, socket.ErrWouldBlock) ||
		errors.Is(err, socket.ErrAborted)
}

func (a *Acceptor) maybeRunMaintenance() {
	now := time.Now()
	if now.Sub(a.lastMaintenance) < MaintenanceInterval {
		return
	}
	a.lastMaintenance = now
	dropped := a.cleanupClosedConnections()
	reaped := a.sessions.CleanupCompleted()
	if dropped > 0 || reaped > 0 {
		a.log.Debug().Int("sockets_dropped", dropped).Int("sessions_reaped", reaped).Log("maintenance pass")
	}
}

// remoteCategory derives a rate-limit category from the accepted
// socket's peer address, falling back to a shared category if the peer
// address can't be determined.
func remoteCategory(sock *socket.Socket) any {
	addr, err := sock.RemoteAddr()
	if err != nil {
		return "unknown"
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return addr.String()
}
