//go:build linux

package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swnet "github.com/Brownie44l1/socket-wrapper"
)

// fakeSocket behaves like an idle peer: reads block until the socket
// deadline and then time out.
type fakeSocket struct {
	remote string

	mu       sync.Mutex
	deadline time.Time
	closes   atomic.Int32
	written  []byte
}

func (f *fakeSocket) Read(b []byte) (int, error) {
	f.mu.Lock()
	d := f.deadline
	f.mu.Unlock()
	if !d.IsZero() {
		time.Sleep(time.Until(d))
	}
	return 0, swnet.ErrTimeout
}

func (f *fakeSocket) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b...)
	return len(b), nil
}

func (f *fakeSocket) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SetDeadline(t time.Time) error      { return f.SetReadDeadline(t) }
func (f *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeSocket) CloseRead() error                   { return nil }
func (f *fakeSocket) CloseWrite() error                  { return nil }
func (f *fakeSocket) LocalAddr() string                  { return "[::]:8080" }
func (f *fakeSocket) RemoteAddr() string                 { return f.remote }

func newTestEpollConn(remote string) (*epollConn, *fakeSocket) {
	sock := &fakeSocket{remote: remote}
	return newEpollConn(sock, &net.TCPAddr{IP: net.IPv6unspecified, Port: 8080}), sock
}

func readAsync(c net.Conn) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 1))
		errCh <- err
	}()
	return errCh
}

func TestEpollConnEarlierDeadlineWakesRead(t *testing.T) {
	c, _ := newTestEpollConn("10.0.0.1:4000")
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Hour)))

	errCh := readAsync(c)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.SetReadDeadline(time.Now()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("read did not return after the deadline moved")
	}
}

func TestEpollConnCloseWaitsForInFlightRead(t *testing.T) {
	c, sock := newTestEpollConn("10.0.0.1:4000")

	errCh := readAsync(c)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	assert.Equal(t, int32(0), sock.closes.Load(), "descriptor released while a read was using it")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read did not notice Close")
	}
	assert.Equal(t, int32(1), sock.closes.Load())

	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestEpollConnWrite(t *testing.T) {
	c, sock := newTestEpollConn("10.0.0.1:4000")

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(sock.written))

	require.NoError(t, c.SetWriteDeadline(time.Now().Add(-time.Second)))
	_, err = c.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, c.Close())
	_, err = c.Write([]byte("closed"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestEpollConnAddrs(t *testing.T) {
	c, _ := newTestEpollConn("[::ffff:127.0.0.1]:4000")
	assert.Equal(t, "127.0.0.1:4000", c.RemoteAddr().String())
	assert.Equal(t, "[::]:8080", c.LocalAddr().String())

	c, _ = newTestEpollConn("unknown")
	assert.Equal(t, "unknown", c.RemoteAddr().String())
	assert.Equal(t, "tcp", c.RemoteAddr().Network())
}

func TestEpollError(t *testing.T) {
	wrapped := errors.New("read failed: connection refused")

	assert.NoError(t, epollError(nil))
	assert.ErrorIs(t, epollError(io.EOF), io.EOF)
	assert.ErrorIs(t, epollError(swnet.ErrConnClosed), net.ErrClosed)
	assert.ErrorIs(t, epollError(swnet.ErrTimeout), os.ErrDeadlineExceeded)
	assert.Equal(t, wrapped, epollError(wrapped))
}

func TestEpollLoggerPairs(t *testing.T) {
	fields := pairs([]any{"addr", "[::]:80", "backlog", 4096, 7})

	assert.Equal(t, []Field{
		{"addr", "[::]:80"},
		{"backlog", 4096},
		{"7", nil},
	}, fields)
}

func TestListenEpollRejectsMissingPort(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:0", "0.0.0.0:http", "nohostport"} {
		_, err := listenEpoll(addr, &NullLogger{})
		assert.ErrorIs(t, err, ErrInvalidConfig, addr)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestListenAndServeEpoll(t *testing.T) {
	port := freePort(t)

	cfg := DefaultConfig()
	cfg.Root = newDocRoot(t)
	cfg.Addr = net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	cfg.Epoll = true
	cfg.ReadTimeout = 2 * time.Second
	cfg.IdleTimeout = 2 * time.Second

	srv, err := New(cfg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for conn == nil {
		select {
		case err := <-done:
			t.Skipf("epoll listener unavailable: %v", err)
		default:
		}
		conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			require.True(t, time.Now().Before(deadline), "server never accepted: %v", err)
			conn = nil
			time.Sleep(20 * time.Millisecond)
		}
	}
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	c := &client{Conn: conn, br: bufio.NewReader(conn)}
	defer conn.Close()

	c.send(t, "GET /dir2/page.html HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := c.read(t, false)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "<html></>", resp.body)
	assert.Equal(t, "keep-alive", resp.headers["connection"])

	c.send(t, "GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 404, c.read(t, false).status)

	// The connection is idle now; shutdown has to wake it without a client
	// byte arriving.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)

	c.assertClosed(t)
	assert.ErrorIs(t, <-done, ErrServerClosed)
	assert.Equal(t, int64(2), srv.Stats().RequestsTotal)
}
