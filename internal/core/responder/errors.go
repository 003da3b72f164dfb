package responder

import (
	"errors"
	"net"
	"os"
)

// ReadError aborts a connection before any response is written.
type ReadError struct {
	Addr net.Addr
	Err  error
}

func (e *ReadError) Error() string {
	return "read request from " + addrString(e.Addr) + ": " + e.Err.Error()
}

func (e *ReadError) Unwrap() error { return e.Err }

// Timeout reports whether the read deadline expired.
func (e *ReadError) Timeout() bool { return IsTimeout(e.Err) }

// WriteError aborts a connection while the response is being written or flushed.
type WriteError struct {
	Op   string // "deadline", "write" or "flush"
	Addr net.Addr
	Err  error
}

func (e *WriteError) Error() string {
	return e.Op + " response to " + addrString(e.Addr) + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Timeout() bool { return IsTimeout(e.Err) }

// IsTimeout reports whether err is, or wraps, an expired I/O deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<unknown>"
	}
	return a.String()
}
