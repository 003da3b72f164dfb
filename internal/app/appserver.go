package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"okserver/internal/core/listener"
	"okserver/internal/core/responder"
	"okserver/internal/service/web"
	"okserver/internal/shared/config"
	"okserver/internal/shared/globalstate"
	"okserver/internal/shared/logger"
	"okserver/internal/shared/types"
)

const defaultStatsInterval = 2 * time.Second

// AppServer wires the responder, the accept loop and the optional status page.
type AppServer struct {
	cfg *types.Config

	stats   *responder.Stats
	handler *responder.Handler
	server  *listener.Server
	hub     *web.Hub
	web     *web.Server
	status  *globalstate.StatusManager

	statsInterval time.Duration

	mu         sync.RWMutex
	listenAddr string
	startedAt  time.Time

	// loopsCtx 控制 hub 与统计循环的生命周期
	loopsCtx    context.Context
	cancelLoops context.CancelFunc
	serveErr    chan error

	waitGroup sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// AppServer must implement StatusProvider
var _ types.StatusProvider = (*AppServer)(nil)

// New creates an AppServer from a validated config.
func New(cfg *types.Config) *AppServer {
	stats := responder.NewStats()
	handler := responder.New(responder.Options{
		BufferSize:   cfg.BufferSize,
		ReadTimeout:  config.ReadTimeout(cfg),
		WriteTimeout: config.WriteTimeout(cfg),
	}, stats)

	s := &AppServer{
		cfg:           cfg,
		stats:         stats,
		handler:       handler,
		server:        listener.New(cfg.ListenAddr, handler, cfg.MaxConnections, stats),
		hub:           web.NewHub(),
		status:        globalstate.NewStatusManager(),
		statsInterval: defaultStatsInterval,
		serveErr:      make(chan error, 1),
	}
	s.web = web.NewServer(cfg.WebConf, s, s.hub)
	s.loopsCtx, s.cancelLoops = context.WithCancel(context.Background())
	return s
}

// Start binds the listening socket and starts serving in the background. It
// returns the bound port. A *listener.BindError means the process cannot run.
func (s *AppServer) Start(ctx context.Context) (int, error) {
	var (
		port int
		err  error
	)
	started := false
	s.startOnce.Do(func() {
		started = true
		port, err = s.start(ctx)
	})
	if !started {
		return 0, errors.New("app: already started")
	}
	return port, err
}

func (s *AppServer) start(ctx context.Context) (int, error) {
	port, err := s.server.InitializeListener(ctx)
	if err != nil {
		s.status.Set("Bind failed")
		return 0, err
	}

	addr := s.server.Addr().String()
	s.mu.Lock()
	s.listenAddr = addr
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.server.Serve(); err != nil && !errors.Is(err, listener.ErrServerClosed) {
			logger.Error().Err(err).Msg("Accept loop stopped unexpectedly")
			s.serveErr <- err
		}
	}()

	if _, err := s.web.Start(&s.waitGroup); err != nil {
		// the status page is optional; the responder keeps running without it
		logger.Error().Err(err).Msg("Status page failed to start")
	}

	s.waitGroup.Add(2)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.loopsCtx)
	}()
	go s.statsLoop()

	s.setStatus(globalstate.Listening(addr))
	return port, nil
}

// Run starts the server and blocks until ctx is cancelled or the accept loop
// fails, then stops it.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting okserver...")
	if _, err := s.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-s.serveErr:
	}

	if err := s.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Shutdown did not complete within the grace period")
	}
	return runErr
}

// Stop gracefully shuts down: stop accepting, wait up to the grace period for
// in-flight connections, then abort the rest.
func (s *AppServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.setStatus(globalstate.StatusStopping)

		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace(s.cfg))
		defer cancel()

		err = s.server.Shutdown(ctx)
		if webErr := s.web.Shutdown(ctx); webErr != nil {
			logger.Warn().Err(webErr).Msg("Status page shutdown failed")
		}
		s.cancelLoops()
		s.waitGroup.Wait()

		s.status.Set(globalstate.StatusStopped)
		snap := s.stats.Snapshot()
		logger.Info().
			Bool("graceful", err == nil).
			Uint64("responded", snap.Responded).
			Uint64("aborted", snap.Aborted).
			Int64("active", snap.ActiveConnections).
			Msg("okserver stopped.")
	})
	return err
}

// Status 实现 types.StatusProvider
func (s *AppServer) Status() types.StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.StatusReport{
		Status:        s.status.Get(),
		ListenAddr:    s.listenAddr,
		StartedAt:     s.startedAt,
		StatsSnapshot: s.stats.Snapshot(),
	}
}

// RecentConnections 实现 types.StatusProvider
func (s *AppServer) RecentConnections() []types.ConnRecord {
	return s.stats.Recent()
}

// Addr returns the bound address of the responder, or nil before Start.
func (s *AppServer) Addr() net.Addr {
	return s.server.Addr()
}

func (s *AppServer) setStatus(status string) {
	s.status.Set(status)
	s.hub.BroadcastStatusUpdate(status)
}

// statsLoop 定期计算速率并广播给仪表盘
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	last := s.stats.Snapshot()
	lastTimestamp := time.Now()

	for {
		select {
		case now := <-ticker.C:
			cur := s.stats.Snapshot()
			s.hub.BroadcastDashboardUpdate(web.NewDashboardStats(now, last, cur, now.Sub(lastTimestamp)))
			last, lastTimestamp = cur, now
		case <-s.loopsCtx.Done():
			return
		}
	}
}
