//go:build linux || darwin

package socket

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
)

// waitConnectPollChunk bounds each poll inside WaitConnect so a
// concurrent Close is observed promptly rather than after the full
// connect timeout.
const waitConnectPollChunk = 50 * time.Millisecond

func dialNonblocking(host string, port int) (int, unix.Sockaddr, error) {
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return -1, nil, fmt.Errorf("%w: lookup %q: %v", taskerr.ErrConnect, host, err)
	}
	tcpAddr := &net.TCPAddr{IP: ips[0], Port: port}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("%w: socket: %v", taskerr.ErrConnect, err)
	}

	sa, err := sockaddrFromTCPAddr(tcpAddr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: %v", taskerr.ErrConnect, err)
	}
	return fd, sa, nil
}

// StartConnect initiates a non-blocking connect and returns the adapter
// immediately, before the connection is established. The caller
// completes the connect with WaitConnect or AsyncConnect; closing the
// socket from another goroutine in the meantime makes either observe
// the closure and error out, which is how a shutdown interrupts an
// in-flight connect.
func StartConnect(host string, port int) (*Socket, error) {
	fd, sa, err := dialNonblocking(host, port)
	if err != nil {
		return nil, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: connect: %v", taskerr.ErrConnect, err)
	}
	return newSocket(fd), nil
}

// WaitConnect blocks until the in-flight connect resolves, the timeout
// elapses, or the socket is closed concurrently. On success the socket
// is ready for I/O with TCP_NODELAY set.
func (s *Socket) WaitConnect(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		closed, fd := s.closed, s.fd
		s.mu.Unlock()
		if closed {
			return fmt.Errorf("%w: socket closed during connect", taskerr.ErrConnect)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %v", taskerr.ErrConnect, ErrTimeout)
		}
		chunk := remaining
		if chunk > waitConnectPollChunk {
			chunk = waitConnectPollChunk
		}
		chunkMs := int(chunk / time.Millisecond)
		if chunkMs == 0 {
			chunkMs = 1
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, chunkMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("%w: poll: %v", taskerr.ErrConnect, err)
		}
		if n == 0 {
			continue
		}
		if pfds[0].Revents&unix.POLLNVAL != 0 {
			// fd closed out from under the poll; loop re-checks s.closed.
			continue
		}
		break
	}

	s.mu.Lock()
	closed, fd := s.closed, s.fd
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: socket closed during connect", taskerr.ErrConnect)
	}

	if errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); serr != nil || errno != 0 {
		if serr != nil {
			return fmt.Errorf("%w: getsockopt: %v", taskerr.ErrConnect, serr)
		}
		return fmt.Errorf("%w: %v", taskerr.ErrConnect, unix.Errno(errno))
	}

	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nil
}

// AsyncConnect registers a pending op that completes once the in-flight
// connect resolves: each try_complete polls for writability and, only
// once the fd is writable, reads SO_ERROR for the outcome. On success
// the socket is ready for I/O with TCP_NODELAY set.
func (s *Socket) AsyncConnect(r *reactor.Reactor) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	done := make(chan error, 1)
	r.RegisterPending(CategoryConnect, func() (bool, error) {
		s.mu.Lock()
		closed, fd := s.closed, s.fd
		s.mu.Unlock()
		if closed {
			return true, fmt.Errorf("%w: socket closed during connect", taskerr.ErrConnect)
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, 0)
		if err != nil {
			if err == unix.EINTR {
				return false, nil
			}
			return true, fmt.Errorf("%w: poll: %v", taskerr.ErrConnect, err)
		}
		if n == 0 || pfds[0].Revents&unix.POLLNVAL != 0 {
			return false, nil
		}

		errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil {
			return true, fmt.Errorf("%w: getsockopt: %v", taskerr.ErrConnect, serr)
		}
		if errno != 0 {
			return true, fmt.Errorf("%w: %v", taskerr.ErrConnect, unix.Errno(errno))
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return true, nil
	}, func(err error) {
		done <- err
	})
	return <-done
}

// Connect performs a blocking connect with a bounded timeout, composing
// StartConnect and WaitConnect. The fd is non-blocking throughout; only
// the caller blocks.
func Connect(host string, port int, timeout time.Duration) (*Socket, error) {
	s, err := StartConnect(host, port)
	if err != nil {
		return nil, err
	}
	if err := s.WaitConnect(timeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
