// FILE: internal/service/web/hub.go
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"okserver/internal/shared/logger"
	"okserver/internal/shared/types"
)

const writeWait = 5 * time.Second

// DashboardStats 定义了仪表盘所需的实时统计数据
type DashboardStats struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveConnections int64     `json:"active_connections"`
	Accepted          uint64    `json:"accepted"`
	Responded         uint64    `json:"responded"`
	Aborted           uint64    `json:"aborted"`
	AcceptErrors      uint64    `json:"accept_errors"`
	InRate            uint64    `json:"in_rate"`  // bytes per second
	OutRate           uint64    `json:"out_rate"` // bytes per second
}

// NewDashboardStats derives per-second rates from two snapshots taken elapsed apart.
func NewDashboardStats(now time.Time, prev, cur types.StatsSnapshot, elapsed time.Duration) *DashboardStats {
	stats := &DashboardStats{
		Timestamp:         now,
		ActiveConnections: cur.ActiveConnections,
		Accepted:          cur.Accepted,
		Responded:         cur.Responded,
		Aborted:           cur.Aborted,
		AcceptErrors:      cur.AcceptErrors,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.InRate = uint64(float64(cur.BytesIn-prev.BytesIn) / secs)
		stats.OutRate = uint64(float64(cur.BytesOut-prev.BytesOut) / secs)
	}
	return stats
}

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
					// the read pump will unregister it
				}
			}
			h.mu.Unlock()
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount returns the number of registered websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastDashboardUpdate 广播仪表盘的实时统计数据
func (h *Hub) BroadcastDashboardUpdate(stats *DashboardStats) {
	msg := WebSocketMessage{Type: "dashboard_update", Data: stats}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("Hub: Failed to marshal dashboard stats")
		return
	}

	select {
	case h.broadcast <- jsonMsg:
	default:
		// Do not log warning for full channel to avoid log spam
	}
}

// BroadcastStatusUpdate 广播状态变化（监听中/停止中等）
func (h *Hub) BroadcastStatusUpdate(status string) {
	msg := WebSocketMessage{Type: "status_update", Data: status}
	jsonMsg, _ := json.Marshal(msg)

	select {
	case h.broadcast <- jsonMsg:
	default:
		logger.Warn().Msg("Hub: Broadcast channel is full, skipping status update.")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// This is a read pump. It's needed to detect when a client closes the connection.
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
