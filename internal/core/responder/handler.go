// Package responder handles a single accepted connection: one bounded read,
// the fixed response, flush, close.
package responder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"okserver/internal/shared"
)

// ResponsePayload is written verbatim to every connection that reaches the
// Responding state.
const ResponsePayload = "HTTP/1.1 200 OK\r\n\r\n"

const (
	DefaultBufferSize   = 1024
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second

	previewLen   = 128
	drainLimit   = 64 << 10
	drainTimeout = 500 * time.Millisecond
)

// Options configures a Handler. Zero fields take the defaults above.
type Options struct {
	BufferSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Result describes how one connection was handled.
type Result struct {
	Path         []State
	BytesRead    int64
	BytesWritten int64
	Duration     time.Duration
	Err          error // *ReadError or *WriteError when aborted
}

// Aborted reports whether the connection was closed without a complete response.
func (r Result) Aborted() bool { return r.Err != nil }

// Outcome is "responded" or "aborted".
func (r Result) Outcome() string {
	if r.Aborted() {
		return StateAborted.String()
	}
	return "responded"
}

// Final returns the last state the connection reached.
func (r Result) Final() State {
	if len(r.Path) == 0 {
		return StateAccepted
	}
	return r.Path[len(r.Path)-1]
}

func (r *Result) enter(s State) { r.Path = append(r.Path, s) }

// Handler is safe for concurrent use; each Handle call owns its connection.
type Handler struct {
	opts    Options
	stats   *Stats
	buffers sync.Pool
}

// New creates a Handler. A nil stats gets a private counter set.
func New(opts Options, stats *Stats) *Handler {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if stats == nil {
		stats = NewStats()
	}
	h := &Handler{opts: opts, stats: stats}
	h.buffers.New = func() interface{} {
		buf := make([]byte, h.opts.BufferSize)
		return &buf
	}
	return h
}

func (h *Handler) Options() Options { return h.opts }

func (h *Handler) Stats() *Stats { return h.stats }

// Handle consumes conn: it always closes it before returning. Cancelling ctx
// makes any blocked read or write fail immediately.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) Result {
	start := time.Now()
	l := connLogger(ctx)
	res := Result{Path: []State{StateAccepted}}
	peer := remoteAddr(conn)
	cc := shared.NewCountedConn(conn, &h.stats.bytesIn, &h.stats.bytesOut)

	// ctx 取消时立即让阻塞中的读写返回
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	res.enter(StateReading)
	full, err := h.readRequest(ctx, cc, l)
	if err != nil {
		res.Err = err
		res.enter(StateAborted)
	} else {
		res.enter(StateResponding)
		if err := h.writeResponse(ctx, cc); err != nil {
			res.Err = err
			res.enter(StateAborted)
		} else if full {
			h.drain(cc)
		}
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.Debug().Err(err).Msg("Close failed")
	}
	res.enter(StateClosed)

	res.BytesRead = cc.BytesRead()
	res.BytesWritten = cc.BytesWritten()
	res.Duration = time.Since(start)
	h.stats.record(peer, res)
	logResult(l, res)
	return res
}

// readRequest performs the single bounded read. It reports whether the buffer
// was filled, in which case unread request bytes may still be queued.
func (h *Handler) readRequest(ctx context.Context, conn *shared.CountedConn, l *zerolog.Logger) (bool, error) {
	bufp := h.buffers.Get().(*[]byte)
	defer h.buffers.Put(bufp)
	buf := *bufp

	if err := conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return false, &ReadError{Addr: conn.RemoteAddr(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return false, &ReadError{Addr: conn.RemoteAddr(), Err: err}
	}

	n, err := conn.Read(buf)
	if n > 0 && l.GetLevel() <= zerolog.DebugLevel {
		l.Debug().Str("request", preview(buf[:n])).Int("bytes", n).Msg("Request received")
	}
	// EOF is not a failure: the peer may have half-closed after sending
	// everything, or sent nothing at all.
	if err != nil && !errors.Is(err, io.EOF) {
		return false, &ReadError{Addr: conn.RemoteAddr(), Err: err}
	}
	return n == len(buf), nil
}

func (h *Handler) writeResponse(ctx context.Context, conn *shared.CountedConn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
		return &WriteError{Op: "deadline", Addr: conn.RemoteAddr(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &WriteError{Op: "write", Addr: conn.RemoteAddr(), Err: err}
	}

	w := bufio.NewWriterSize(conn, len(ResponsePayload))
	if _, err := w.WriteString(ResponsePayload); err != nil {
		return &WriteError{Op: "write", Addr: conn.RemoteAddr(), Err: err}
	}
	if err := w.Flush(); err != nil {
		return &WriteError{Op: "flush", Addr: conn.RemoteAddr(), Err: err}
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// drain half-closes the connection and discards what is left of an oversized
// request. Closing a TCP socket with unread input sends RST, which can make the
// peer drop the response it has not read yet.
func (h *Handler) drain(conn *shared.CountedConn) {
	cw, ok := conn.Conn.(closeWriter)
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	timeout := drainTimeout
	if h.opts.WriteTimeout < timeout {
		timeout = h.opts.WriteTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
}

func logResult(l *zerolog.Logger, res Result) {
	if !res.Aborted() {
		if res.BytesRead == 0 {
			// 对端未发送任何数据就关闭（或半关闭），回复可能无人读取
			l.Debug().Int64("bytes_written", res.BytesWritten).Msg("Empty request answered")
		}
		l.Debug().
			Int64("bytes_read", res.BytesRead).
			Int64("bytes_written", res.BytesWritten).
			Dur("duration", res.Duration).
			Msg("Connection handled")
		return
	}

	switch {
	case peerGone(res.Err):
		l.Debug().Err(res.Err).Msg("Connection aborted: peer went away")
	case IsTimeout(res.Err):
		l.Warn().Err(res.Err).Dur("duration", res.Duration).Msg("Connection aborted: timeout")
	default:
		l.Warn().Err(res.Err).Msg("Connection aborted")
	}
}

func peerGone(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func connLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

func preview(b []byte) string {
	if len(b) > previewLen {
		b = b[:previewLen]
	}
	return strings.ToValidUTF8(string(b), "�")
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
