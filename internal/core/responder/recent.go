package responder

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"okserver/internal/shared/types"
)

const maxRecentConns = 20 // 历史记录的最大数量

// recentLog keeps the last maxRecentConns results in arrival order.
type recentLog struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newRecentLog() *recentLog {
	return &recentLog{q: queue.New()}
}

func (r *recentLog) add(peer string, res Result) {
	rec := types.ConnRecord{
		At:           time.Now().UTC(),
		Peer:         peer,
		Outcome:      res.Outcome(),
		BytesRead:    res.BytesRead,
		BytesWritten: res.BytesWritten,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 如果列表已满，移除最旧的条目
	for r.q.Length() >= maxRecentConns {
		r.q.Remove()
	}
	r.q.Add(rec)
}

// list returns a copy, newest first.
func (r *recentLog) list() []types.ConnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.q.Length()
	out := make([]types.ConnRecord, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, r.q.Get(i).(types.ConnRecord))
	}
	return out
}
