package responder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() { client.Close() })
	return client, server
}

func runHandle(h *Handler, ctx context.Context, conn net.Conn) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- h.Handle(ctx, conn) }()
	return done
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return Result{}
	}
}

func TestHandle_RespondsOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := New(Options{}, nil)
	done := runHandle(h, context.Background(), server)

	_, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	res := waitResult(t, done)
	assert.Equal(t, ResponsePayload, string(resp))
	assert.NoError(t, res.Err)
	assert.False(t, res.Aborted())
	assert.Equal(t, []State{StateAccepted, StateReading, StateResponding, StateClosed}, res.Path)
	assert.Equal(t, StateClosed, res.Final())
	assert.EqualValues(t, 18, res.BytesRead)
	assert.EqualValues(t, len(ResponsePayload), res.BytesWritten)

	snap := h.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Responded)
	assert.EqualValues(t, 0, snap.Aborted)
	assert.EqualValues(t, 18, snap.BytesIn)
	assert.EqualValues(t, len(ResponsePayload), snap.BytesOut)
}

func TestHandle_SameResponseForAnyPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "http request", payload: []byte("GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")},
		{name: "binary", payload: []byte{0x00, 0xff, 0x13, 0x37, 0x80, 0x0a}},
		{name: "exactly buffer size", payload: bytes.Repeat([]byte("a"), DefaultBufferSize)},
		{name: "larger than buffer", payload: bytes.Repeat([]byte("b"), 4*DefaultBufferSize+7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := tcpPair(t)
			h := New(Options{}, nil)
			done := runHandle(h, context.Background(), server)

			if len(tt.payload) > 0 {
				_, err := client.Write(tt.payload)
				require.NoError(t, err)
			}
			require.NoError(t, client.(*net.TCPConn).CloseWrite())

			require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
			resp, err := io.ReadAll(client)
			require.NoError(t, err)
			assert.Equal(t, ResponsePayload, string(resp))

			res := waitResult(t, done)
			assert.NoError(t, res.Err)
			assertValidPath(t, res.Path)
		})
	}
}

func TestHandle_PeerClosedBeforeRead(t *testing.T) {
	client, server := net.Pipe()
	require.NoError(t, client.Close())

	h := New(Options{}, nil)
	res := waitResult(t, runHandle(h, context.Background(), server))

	require.True(t, res.Aborted())
	var readErr *ReadError
	require.ErrorAs(t, res.Err, &readErr)
	assert.ErrorIs(t, res.Err, io.ErrClosedPipe)
	assert.True(t, peerGone(res.Err))
	assert.Equal(t, []State{StateAccepted, StateReading, StateAborted, StateClosed}, res.Path)
	assert.Zero(t, res.BytesWritten)
	assert.EqualValues(t, 1, h.Stats().Snapshot().Aborted)

	// the server side has been released
	_, err := server.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestHandle_PeerClosedWithoutDataOverTCP(t *testing.T) {
	client, server := tcpPair(t)
	// FIN without any request bytes
	require.NoError(t, client.Close())

	stats := NewStats()
	h := New(Options{}, stats)
	stats.ConnOpened()
	res := waitResult(t, runHandle(h, context.Background(), server))
	stats.ConnClosed()

	assertValidPath(t, res.Path)
	assert.Zero(t, res.BytesRead)
	snap := stats.Snapshot()
	assert.EqualValues(t, 1, snap.Responded+snap.Aborted)
	assert.Zero(t, snap.ActiveConnections)
	assert.Len(t, stats.Recent(), 1)

	// the server side has been released
	_, err := server.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestHandle_EmptyRequestIsLogged(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)
	ctx := l.WithContext(context.Background())

	client, server := tcpPair(t)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	h := New(Options{}, nil)
	done := runHandle(h, ctx, server)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, ResponsePayload, string(resp))

	res := waitResult(t, done)
	require.NoError(t, res.Err)
	assert.EqualValues(t, 1, h.Stats().Snapshot().Responded)
	assert.Contains(t, buf.String(), "Empty request answered")
}

func TestHandle_PeerResetOverTCP(t *testing.T) {
	client, server := tcpPair(t)
	// RST instead of FIN
	require.NoError(t, client.(*net.TCPConn).SetLinger(0))
	require.NoError(t, client.Close())

	h := New(Options{}, nil)
	res := waitResult(t, runHandle(h, context.Background(), server))

	// depending on timing the reset surfaces on read or write; either way the
	// connection is closed and counted once
	assertValidPath(t, res.Path)
	snap := h.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Responded+snap.Aborted)
}

func TestHandle_ReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := New(Options{ReadTimeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	done := runHandle(h, context.Background(), server)

	// nothing is written back to a peer that never sent a request
	resp, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Empty(t, resp)

	res := waitResult(t, done)
	var readErr *ReadError
	require.ErrorAs(t, res.Err, &readErr)
	assert.True(t, readErr.Timeout())
	assert.True(t, IsTimeout(res.Err))
	assert.Equal(t, []State{StateAccepted, StateReading, StateAborted, StateClosed}, res.Path)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, res.BytesWritten)
}

func TestHandle_WriteTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := New(Options{WriteTimeout: 50 * time.Millisecond}, nil)
	done := runHandle(h, context.Background(), server)

	// send the request but never read the response
	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	res := waitResult(t, done)
	var writeErr *WriteError
	require.ErrorAs(t, res.Err, &writeErr)
	assert.True(t, writeErr.Timeout())
	assert.Equal(t, StateAborted, res.Path[len(res.Path)-2])
	assert.Equal(t, StateClosed, res.Final())
}

type failingConn struct {
	net.Conn
	writeErr error
	closed   atomic.Bool
}

func (c *failingConn) Write(b []byte) (int, error) { return 0, c.writeErr }

func (c *failingConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func TestHandle_WriteFailureStillCloses(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	boom := errors.New("boom")
	fc := &failingConn{Conn: server, writeErr: boom}

	h := New(Options{}, nil)
	done := runHandle(h, context.Background(), fc)
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	res := waitResult(t, done)
	var writeErr *WriteError
	require.ErrorAs(t, res.Err, &writeErr)
	assert.ErrorIs(t, res.Err, boom)
	assert.Contains(t, []string{"write", "flush"}, writeErr.Op)
	assert.True(t, fc.closed.Load())
}

func TestHandle_ContextCancelUnblocksRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h := New(Options{ReadTimeout: time.Minute}, nil)
	done := runHandle(h, ctx, server)

	time.Sleep(20 * time.Millisecond)
	cancel()

	res := waitResult(t, done)
	var readErr *ReadError
	require.ErrorAs(t, res.Err, &readErr)
	assert.Equal(t, StateClosed, res.Final())
}

func TestHandle_CancelledBeforeStart(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := New(Options{}, nil)
	res := waitResult(t, runHandle(h, ctx, server))
	require.True(t, res.Aborted())
	assert.Equal(t, []State{StateAccepted, StateReading, StateAborted, StateClosed}, res.Path)
}

func TestNew_Defaults(t *testing.T) {
	h := New(Options{}, nil)
	opts := h.Options()
	assert.Equal(t, DefaultBufferSize, opts.BufferSize)
	assert.Equal(t, DefaultReadTimeout, opts.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, opts.WriteTimeout)
	assert.NotNil(t, h.Stats())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", preview([]byte("abc")))
	assert.Len(t, preview(bytes.Repeat([]byte("x"), 1000)), previewLen)
	assert.Equal(t, "a�b", preview([]byte{'a', 0xff, 'b'}))
}
