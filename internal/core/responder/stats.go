package responder

import (
	"sync/atomic"

	"okserver/internal/shared/types"
)

// Stats holds process-wide counters shared by the listener and all handlers.
// Counters are updated atomically. Use NewStats; the recent connection log is
// only kept by Stats created that way.
type Stats struct {
	accepted     atomic.Uint64
	responded    atomic.Uint64
	aborted      atomic.Uint64
	acceptErrors atomic.Uint64
	active       atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64

	recent *recentLog
}

func NewStats() *Stats { return &Stats{recent: newRecentLog()} }

// ConnOpened is called by the listener once per accepted connection.
func (s *Stats) ConnOpened() {
	s.accepted.Add(1)
	s.active.Add(1)
}

// ConnClosed is called by the listener after the handler has returned.
func (s *Stats) ConnClosed() {
	s.active.Add(-1)
}

func (s *Stats) AcceptFailed() {
	s.acceptErrors.Add(1)
}

func (s *Stats) Active() int64 { return s.active.Load() }

func (s *Stats) record(peer string, res Result) {
	if s.recent != nil {
		s.recent.add(peer, res)
	}
	if res.Aborted() {
		s.aborted.Add(1)
		return
	}
	s.responded.Add(1)
}

// Snapshot 返回所有计数器的快照，各字段之间不保证严格一致。
func (s *Stats) Snapshot() types.StatsSnapshot {
	return types.StatsSnapshot{
		Accepted:          s.accepted.Load(),
		Responded:         s.responded.Load(),
		Aborted:           s.aborted.Load(),
		AcceptErrors:      s.acceptErrors.Load(),
		ActiveConnections: s.active.Load(),
		BytesIn:           s.bytesIn.Load(),
		BytesOut:          s.bytesOut.Load(),
	}
}

// Recent returns the latest finished connections, newest first.
func (s *Stats) Recent() []types.ConnRecord {
	if s.recent == nil {
		return nil
	}
	return s.recent.list()
}
