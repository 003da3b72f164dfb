package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"okserver/internal/shared/logger"
	"okserver/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the optional status web server.
type Server struct {
	cfg        types.WebConf
	provider   types.StatusProvider
	hub        *Hub
	httpServer *http.Server
}

func NewServer(cfg types.WebConf, provider types.StatusProvider, hub *Hub) *Server {
	s := &Server{cfg: cfg, provider: provider, hub: hub}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	user, pass := s.cfg.WebUser, s.cfg.WebPassword

	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(s.handleStatus), user, pass))
	mux.Handle("/api/recent", basicAuthMiddleware(http.HandlerFunc(s.handleRecent), user, pass))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(fmt.Sprintf("static assets missing: %v", err))
	}
	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		index, err := fs.ReadFile(staticFS, "index.html")
		if err != nil {
			http.Error(w, "Could not load index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	})
	mux.Handle("/", basicAuthMiddleware(rootHandler, user, pass))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.provider.Status())
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	recent := s.provider.RecentConnections()
	if recent == nil {
		recent = []types.ConnRecord{}
	}
	writeJSON(w, r, recent)
}

// writeJSON answers GET requests only.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to write JSON response")
	}
}

// Start listens on web_host:web_port and serves in the background. It is a
// no-op returning 0 when web_port is 0.
func (s *Server) Start(wg *sync.WaitGroup) (int, error) {
	if s.cfg.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Status page is disabled (web_port is 0 or not set).")
		return 0, nil
	}
	addr := net.JoinHostPort(s.cfg.WebHost, fmt.Sprint(s.cfg.WebPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start status page on %s: %w", addr, err)
	}
	logger.Info().Msgf("SUCCESS: Status page is listening on http://%s", ln.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Serve(ln)
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve blocks serving HTTP on ln, capped at web_max_clients concurrent connections.
func (s *Server) Serve(ln net.Listener) {
	maxClients := s.cfg.WebMaxClients
	if maxClients <= 0 {
		maxClients = 16
	}
	limited := netutil.LimitListener(loggingListener{Listener: ln}, maxClients)
	if err := s.httpServer.Serve(limited); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Status web server error")
	}
	logger.Debug().Msg("Status web server stopped.")
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
