//go:build linux || darwin

// Package socket implements the Socket Adapter: a thin non-blocking
// wrapper over a raw TCP file descriptor offering both a blocking
// interface (accept_timed, connect, close, shutdown) and an awaitable
// interface backed by the reactor package (async_connect,
// async_read_exact, async_write_all/scatter, async_read_header).
package socket

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

// Reactor op categories, used for per-category attempt histograms.
const (
	CategoryAccept  reactor.Category = "accept"
	CategoryConnect reactor.Category = "connect"
	CategoryRead    reactor.Category = "read"
	CategoryWrite   reactor.Category = "write"
)

// Sentinel errors for the blocking interface.
var (
	ErrTimeout    = errors.New("socket: accept timed out")
	ErrWouldBlock = errors.New("socket: operation would block")
	ErrAborted    = errors.New("socket: aborted by close")

	// ErrOpInProgress signals a violation of the adapter's at-most-one
	// in-flight awaitable op invariant. Encouraged, not required, by the
	// contract this package implements.
	ErrOpInProgress = errors.New("socket: awaitable op already in flight")
)

// Socket wraps one non-blocking connected TCP file descriptor.
type Socket struct {
	mu       sync.Mutex
	fd       int
	closed   bool
	inFlight bool
}

func newSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// FD returns the underlying file descriptor, for callers that need to
// correlate sessions with fds; callers must not perform I/O on it
// directly while an awaitable op may be in flight.
func (s *Socket) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// IsOpen reports whether the socket has not yet been closed.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Socket) RemoteAddr() (net.Addr, error) {
	s.mu.Lock()
	fd := s.fd
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, taskerr.ErrConnectionClosed
	}
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: getpeername: %v", taskerr.ErrIO, err)
	}
	return sockaddrToTCPAddr(sa), nil
}

// Close releases the underlying file descriptor. Idempotent. Any
// in-flight awaitable read or write observes the close on its next
// try_complete and resumes its caller with ErrConnectionClosed; an
// in-flight connect errors out with taskerr.ErrConnect.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.mu.Unlock()
	return unix.Close(fd)
}

// Shutdown half-closes the write side, signalling EOF to the peer while
// leaving the fd open for any in-flight read to drain. Session-level
// poisoning (marking the overlay session itself closed) is the caller's
// responsibility; this only touches the fd.
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	fd := s.fd
	s.mu.Unlock()
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// beginOp enforces the at-most-one-in-flight invariant.
func (s *Socket) beginOp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return taskerr.ErrConnectionClosed
	}
	if s.inFlight {
		return ErrOpInProgress
	}
	s.inFlight = true
	return nil
}

func (s *Socket) endOp() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// translateIOErr maps a raw unix errno to the taskerr taxonomy.
func translateIOErr(err error) error {
	switch {
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%w: %v", taskerr.ErrConnectionClosed, err)
	default:
		return fmt.Errorf("%w: %v", taskerr.ErrIO, err)
	}
}

// AsyncReadExact registers a pending read op that accumulates into buf
// across as many reactor passes as needed, completing once len(buf)
// bytes have been read.
func (s *Socket) AsyncReadExact(r *reactor.Reactor, buf []byte) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	done := make(chan error, 1)
	n := 0
	r.RegisterPending(CategoryRead, func() (bool, error) {
		if s.isClosed() {
			return true, taskerr.ErrConnectionClosed
		}
		for n < len(buf) {
			m, err := unix.Read(s.fd, buf[n:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					return false, nil
				}
				return true, translateIOErr(err)
			}
			if m == 0 {
				return true, taskerr.ErrConnectionClosed
			}
			n += m
		}
		return true, nil
	}, func(err error) {
		done <- err
	})
	return <-done
}

// AsyncWriteAll registers a pending write op that drains buf fully
// across as many reactor passes as needed.
func (s *Socket) AsyncWriteAll(r *reactor.Reactor, buf []byte) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	done := make(chan error, 1)
	n := 0
	r.RegisterPending(CategoryWrite, func() (bool, error) {
		if s.isClosed() {
			return true, taskerr.ErrConnectionClosed
		}
		for n < len(buf) {
			m, err := unix.Write(s.fd, buf[n:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					return false, nil
				}
				return true, translateIOErr(err)
			}
			n += m
		}
		return true, nil
	}, func(err error) {
		done <- err
	})
	return <-done
}

// AsyncWriteScatter writes header then payload as a single writev-style
// syscall per attempt, looping across reactor passes until both spans
// are fully drained. With TCP_NODELAY enabled (the default for sockets
// this package creates) this typically completes in one syscall.
func (s *Socket) AsyncWriteScatter(r *reactor.Reactor, header []byte, payload []byte) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	done := make(chan error, 1)
	hOff, pOff := 0, 0
	r.RegisterPending(CategoryWrite, func() (bool, error) {
		if s.isClosed() {
			return true, taskerr.ErrConnectionClosed
		}
		for hOff < len(header) || pOff < len(payload) {
			iovs := make([][]byte, 0, 2)
			if hOff < len(header) {
				iovs = append(iovs, header[hOff:])
			}
			if pOff < len(payload) {
				iovs = append(iovs, payload[pOff:])
			}
			n, err := unix.Writev(s.fd, iovs)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					return false, nil
				}
				return true, translateIOErr(err)
			}
			remaining := n
			if hOff < len(header) {
				advance := remaining
				if advance > len(header)-hOff {
					advance = len(header) - hOff
				}
				hOff += advance
				remaining -= advance
			}
			if remaining > 0 && pOff < len(payload) {
				pOff += remaining
			}
		}
		return true, nil
	}, func(err error) {
		done <- err
	})
	return <-done
}

// AsyncReadHeader reads exactly wire.HeaderSize bytes and decodes them.
func (s *Socket) AsyncReadHeader(r *reactor.Reactor) (wire.TaskHeader, error) {
	var buf [wire.HeaderSize]byte
	if err := s.AsyncReadExact(r, buf[:]); err != nil {
		return wire.TaskHeader{}, err
	}
	return wire.DecodeHeader(buf[:])
}
