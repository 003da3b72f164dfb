package listener

import "errors"

// ErrNotInitialized is returned by Serve when no listening socket is attached.
var ErrNotInitialized = errors.New("listener: Serve called before InitializeListener")

// ErrServerClosed is returned when serving is attempted after Shutdown.
var ErrServerClosed = errors.New("listener: server closed")

// BindError means the listening socket could not be created. The process
// cannot run without it.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return "bind " + e.Addr + ": " + e.Err.Error()
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptError is a transient accept failure; the loop logs it and continues.
type AcceptError struct {
	Addr string
	Err  error
}

func (e *AcceptError) Error() string {
	return "accept on " + e.Addr + ": " + e.Err.Error()
}

func (e *AcceptError) Unwrap() error { return e.Err }
