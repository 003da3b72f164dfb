package types

import "time"

// StatsSnapshot is a point-in-time copy of the responder counters.
type StatsSnapshot struct {
	Accepted          uint64 `json:"accepted"`
	Responded         uint64 `json:"responded"`
	Aborted           uint64 `json:"aborted"`
	AcceptErrors      uint64 `json:"accept_errors"`
	ActiveConnections int64  `json:"active_connections"`
	BytesIn           uint64 `json:"bytes_in"`
	BytesOut          uint64 `json:"bytes_out"`
}

// StatusReport is what the status API and the embedded API hand out.
type StatusReport struct {
	Status     string    `json:"status"`
	ListenAddr string    `json:"listen_addr"`
	StartedAt  time.Time `json:"started_at"`
	StatsSnapshot
}

// StatusProvider 定义了一个提供实时运行状态的查询器。
// AppServer 实现此接口，并将其注入 web 服务。
type StatusProvider interface {
	Status() StatusReport
	// RecentConnections returns the latest finished connections, newest first.
	RecentConnections() []ConnRecord
}

// ConnRecord describes one finished connection.
type ConnRecord struct {
	At           time.Time `json:"at"`
	Peer         string    `json:"peer"`
	Outcome      string    `json:"outcome"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}
