// Package probe opens concurrent client connections against a responder and
// checks that every one of them receives the fixed reply.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"okserver/internal/core/responder"
)

const (
	defaultTimeout = 5 * time.Second
	maxReplySize   = 4096
)

// Options controls one probe run.
type Options struct {
	Addr        string
	Connections int
	// Parallel caps concurrent dials; 0 means all at once.
	Parallel int
	Payload  []byte
	Timeout  time.Duration
	// Expect is the reply every connection must receive. Defaults to the
	// responder payload.
	Expect []byte
}

// Report summarises a run.
type Report struct {
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Slowest   time.Duration
	Errors    []error
}

// MismatchError is returned for a connection whose reply differs from the expected one.
type MismatchError struct {
	Index int
	Got   []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("probe %d: unexpected reply %q", e.Index, e.Got)
}

// Run dials opts.Connections connections concurrently. It only returns an error
// for invalid options or a cancelled ctx; per-connection failures are reported
// in Report.Errors.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Addr == "" {
		return Report{}, errors.New("probe: address is required")
	}
	if opts.Connections <= 0 {
		return Report{}, fmt.Errorf("probe: connections must be positive, got %d", opts.Connections)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Expect == nil {
		opts.Expect = []byte(responder.ResponsePayload)
	}

	var (
		report    Report
		mu        sync.Mutex
		succeeded atomic.Int64
		slowest   atomic.Int64
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for i := 0; i < opts.Connections; i++ {
		i := i
		g.Go(func() error {
			began := time.Now()
			err := probeOne(gctx, i, opts)
			took := int64(time.Since(began))
			for {
				cur := slowest.Load()
				if took <= cur || slowest.CompareAndSwap(cur, took) {
					break
				}
			}
			if err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, err)
				mu.Unlock()
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Succeeded = int(succeeded.Load())
	report.Failed = len(report.Errors)
	report.Elapsed = time.Since(start)
	report.Slowest = time.Duration(slowest.Load())
	return report, ctx.Err()
}

func probeOne(ctx context.Context, index int, opts Options) error {
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("probe %d: dial: %w", index, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
		return fmt.Errorf("probe %d: set deadline: %w", index, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if len(opts.Payload) > 0 {
		if _, err := conn.Write(opts.Payload); err != nil {
			return fmt.Errorf("probe %d: write: %w", index, err)
		}
	}
	// 半关闭写方向，让服务端读到 EOF
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return fmt.Errorf("probe %d: close write: %w", index, err)
		}
	}

	reply, err := io.ReadAll(io.LimitReader(conn, maxReplySize))
	if err != nil {
		return fmt.Errorf("probe %d: read: %w", index, err)
	}
	if !bytes.Equal(reply, opts.Expect) {
		return &MismatchError{Index: index, Got: reply}
	}
	return nil
}
