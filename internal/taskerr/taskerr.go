// Package taskerr defines the error taxonomy shared by the manager and
// worker: sentinel values wrapped with context via fmt.Errorf, matching
// the way the rest of the stack chains causes for errors.Is/errors.As.
package taskerr

import "errors"

var (
	// ErrConfig indicates invalid or missing configuration. Fatal at startup.
	ErrConfig = errors.New("taskmessenger: config error")

	// ErrBind indicates the listener could not bind. Fatal at startup.
	ErrBind = errors.New("taskmessenger: bind error")

	// ErrConnect indicates a worker could not reach the manager. Retried
	// with backoff by the caller; not retried inside this package.
	ErrConnect = errors.New("taskmessenger: connect error")

	// ErrProtocol indicates an invalid header, a body size over the
	// configured maximum, or a zero task_id on a request. Closes the
	// session; never panics.
	ErrProtocol = errors.New("taskmessenger: protocol error")

	// ErrConnectionClosed indicates a peer EOF or a local close. Normal
	// session termination.
	ErrConnectionClosed = errors.New("taskmessenger: connection closed")

	// ErrIO indicates an underlying syscall failure, treated like
	// ErrConnectionClosed at the session boundary.
	ErrIO = errors.New("taskmessenger: io error")

	// ErrPoolShutdown is observed by a session waking from Pool.GetNext
	// after Pool.Shutdown has been called.
	ErrPoolShutdown = errors.New("taskmessenger: pool shutdown")
)
