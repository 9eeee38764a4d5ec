//go:build linux || darwin

package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taskfabric/taskmessenger/internal/taskerr"
)

// Listener wraps a non-blocking listening TCP file descriptor, used by
// the acceptor thread's timed-accept loop.
type Listener struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// Listen binds and listens on address ("host:port"). The listening fd is
// created non-blocking so AcceptTimed never blocks past the poll it does
// itself.
func Listen(address string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", taskerr.ErrBind, address, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", taskerr.ErrBind, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: setsockopt SO_REUSEADDR: %v", taskerr.ErrBind, err)
	}

	sa, err := sockaddrFromTCPAddr(tcpAddr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", taskerr.ErrBind, err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %q: %v", taskerr.ErrBind, address, err)
	}

	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: listen: %v", taskerr.ErrBind, err)
	}

	return &Listener{fd: fd}, nil
}

// Addr returns the local address the listener is bound to.
func (l *Listener) Addr() (net.Addr, error) {
	l.mu.Lock()
	fd := l.fd
	l.mu.Unlock()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}

// Close closes the listening fd. Idempotent; any AcceptTimed blocked in
// poll returns ErrAborted once its poll returns (at the latest when its
// timeout elapses).
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fd := l.fd
	l.mu.Unlock()
	return unix.Close(fd)
}

// AcceptTimed blocks for up to timeout waiting for an incoming
// connection. Returns (socket, nil) on success, ErrTimeout if no
// connection arrived in time, ErrWouldBlock if poll reported readiness
// but accept4 raced and found nothing, or ErrAborted if the listener was
// closed concurrently.
func (l *Listener) AcceptTimed(timeout time.Duration) (*Socket, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrAborted
	}
	fd := l.fd
	l.mu.Unlock()

	timeoutMs := int(timeout / time.Millisecond)
	if timeout > 0 && timeoutMs == 0 {
		timeoutMs = 1
	}

	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("%w: poll: %v", taskerr.ErrIO, err)
		}
		if n == 0 {
			if l.isClosed() {
				return nil, ErrAborted
			}
			return nil, ErrTimeout
		}
		break
	}

	if l.isClosed() {
		return nil, ErrAborted
	}

	for {
		connFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			_ = unix.SetsockoptInt(connFd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return newSocket(connFd), nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("%w: accept: %v", taskerr.ErrIO, err)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
