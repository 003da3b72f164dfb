// FILE: internal/shared/counted_conn.go
package shared

import (
	"net"
	"sync/atomic"
)

// CountedConn 是一个 net.Conn 的包装器，统计本连接读写的字节数，
// 并同时累加到共享的全局计数器上。
type CountedConn struct {
	net.Conn
	read     int64
	written  int64
	totalIn  *atomic.Uint64
	totalOut *atomic.Uint64
}

// NewCountedConn wraps conn. Either total counter may be nil.
func NewCountedConn(conn net.Conn, totalIn, totalOut *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		totalIn:  totalIn,
		totalOut: totalOut,
	}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.read += int64(n)
		if c.totalIn != nil {
			c.totalIn.Add(uint64(n))
		}
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.written += int64(n)
		if c.totalOut != nil {
			c.totalOut.Add(uint64(n))
		}
	}
	return n, err
}

// BytesRead and BytesWritten are per-connection and not safe for concurrent use
// with Read/Write; the owning goroutine reads them after I/O is done.
func (c *CountedConn) BytesRead() int64    { return c.read }
func (c *CountedConn) BytesWritten() int64 { return c.written }
