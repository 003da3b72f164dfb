// Package listener owns the listening socket and runs the accept loop,
// dispatching every accepted connection to its own goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"okserver/internal/core/responder"
	"okserver/internal/shared/logger"
	"okserver/internal/sys/sockopt"
)

const (
	DefaultMaxConnections = 1024

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ConnHandler consumes one connection; it must close it before returning.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn) responder.Result
}

// Bind creates the TCP listening socket for addr.
func Bind(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: sockopt.ListenControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// Server is the accept loop. One Server serves one listening socket.
type Server struct {
	addr    string
	handler ConnHandler
	stats   *responder.Stats
	sem     *semaphore.Weighted
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	serving  bool

	// acceptCtx 在 Shutdown 开始时取消；connCtx 在宽限期结束时取消，强制中断剩余连接
	acceptCtx     context.Context
	stopAccepting context.CancelFunc
	connCtx       context.Context
	killConns     context.CancelFunc

	inShutdown atomic.Bool
	closeOnce  sync.Once
	waitGroup  sync.WaitGroup
}

// New creates a Server for addr. maxConns <= 0 means DefaultMaxConnections.
// A nil stats shares the handler's counters when it exposes them.
func New(addr string, handler ConnHandler, maxConns int, stats *responder.Stats) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	if stats == nil {
		if sp, ok := handler.(interface{ Stats() *responder.Stats }); ok {
			stats = sp.Stats()
		} else {
			stats = responder.NewStats()
		}
	}
	s := &Server{
		addr:    addr,
		handler: handler,
		stats:   stats,
		sem:     semaphore.NewWeighted(int64(maxConns)),
		log:     logger.WithComponent("listener"),
	}
	s.acceptCtx, s.stopAccepting = context.WithCancel(context.Background())
	s.connCtx, s.killConns = context.WithCancel(context.Background())
	return s
}

// InitializeListener 负责监听端口，但不阻塞。返回实际监听的端口号（addr 中端口为 0 时由内核分配）。
func (s *Server) InitializeListener(ctx context.Context) (int, error) {
	ln, err := Bind(ctx, s.addr)
	if err != nil {
		return 0, err
	}
	if err := s.attach(ln); err != nil {
		ln.Close()
		return 0, err
	}
	s.log.Info().Str("listen_addr", ln.Addr().String()).Msg(">>> Listening for connections")

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port, nil
	}
	return 0, nil
}

func (s *Server) attach(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return fmt.Errorf("listener: already bound to %s", s.listener.Addr())
	}
	s.listener = ln
	return nil
}

// Serve runs the blocking accept loop on the socket bound by InitializeListener.
// It returns nil once Shutdown has closed the socket.
func (s *Server) Serve() error {
	ln, err := s.startLoop()
	if err != nil {
		return err
	}
	return s.acceptLoop(ln)
}

// ServeListener attaches an already-bound listener and serves it.
func (s *Server) ServeListener(ln net.Listener) error {
	if err := s.attach(ln); err != nil {
		return err
	}
	return s.Serve()
}

// startLoop registers the accept loop with the wait group under mu, so that
// Shutdown either sees it or prevents it from starting.
func (s *Server) startLoop() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return nil, ErrServerClosed
	}
	if s.listener == nil {
		return nil, ErrNotInitialized
	}
	if s.serving {
		return nil, errors.New("listener: already serving")
	}
	s.serving = true
	s.waitGroup.Add(1)
	return s.listener, nil
}

// ListenAndServe binds and serves; bind failures are returned as *BindError.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := s.InitializeListener(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, or nil before InitializeListener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections currently being handled.
func (s *Server) ActiveConnections() int64 {
	return s.stats.Active()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	defer s.waitGroup.Done()

	addr := ln.Addr().String()
	var delay time.Duration
	for {
		// 先占用一个名额再 Accept，满载时让新连接留在内核 backlog 中排队
		if err := s.sem.Acquire(s.acceptCtx, 1); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.inShutdown.Load() {
				s.log.Info().Msg("Listener is closing.")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return &AcceptError{Addr: addr, Err: err}
			}

			s.stats.AcceptFailed()
			delay = nextDelay(delay)
			s.log.Warn().Err(&AcceptError{Addr: addr, Err: err}).Dur("retry_in", delay).Msg("Failed to accept connection")
			select {
			case <-time.After(delay):
			case <-s.acceptCtx.Done():
				return nil
			}
			continue
		}
		delay = 0

		s.stats.ConnOpened()
		s.waitGroup.Add(1)
		go s.serveConn(conn)
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.waitGroup.Done()
	defer s.sem.Release(1)
	defer s.stats.ConnClosed()

	traceID := uuid.NewString()
	l := log.With().Str("trace_id", traceID).Str("client_ip", conn.RemoteAddr().String()).Logger()
	ctx := l.WithContext(s.connCtx)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Connection handler panicked")
			conn.Close()
		}
	}()

	l.Debug().Msg("Connection established")
	s.handler.Handle(ctx, conn)
}

// Shutdown stops accepting, closes the listening socket and waits for
// in-flight connections. When ctx expires first, the remaining connections are
// interrupted and Shutdown returns ctx.Err() once their handlers have returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.inShutdown.Store(true)
		s.stopAccepting()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("Failed to close listening socket")
			}
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Listener has been shut down")
		return nil
	case <-ctx.Done():
		s.log.Warn().Int64("active", s.ActiveConnections()).Msg("Grace period exceeded, aborting remaining connections")
		s.killConns()
		<-done
		return ctx.Err()
	}
}
