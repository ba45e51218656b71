//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	swnet "github.com/Brownie44l1/socket-wrapper"
)

// epollSlice bounds a single blocking read or write on an epoll connection.
// The socket applies its timeout only when a syscall starts, so a deadline
// moved earlier (or a Close) is noticed at the next slice boundary.
const epollSlice = 100 * time.Millisecond

// listenEpoll binds the port of addr on every interface using the epoll
// listener. The host part must be a wildcard; Config.Validate enforces that.
func listenEpoll(addr string, logger Logger) (net.Listener, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: epoll listener needs an explicit port, got %q", ErrInvalidConfig, portStr)
	}

	cfg := swnet.DefaultConfig().
		WithPort(port).
		WithDeferAccept(0).
		WithLogger(epollLogger{logger})

	ln, err := swnet.Listen(cfg)
	if err != nil {
		return nil, err
	}
	return &epollListener{
		ln:     ln,
		addr:   &net.TCPAddr{IP: net.IPv6unspecified, Port: port},
		logger: logger,
	}, nil
}

// epollListener exposes a socket-wrapper listener as a net.Listener.
type epollListener struct {
	ln     swnet.Listener
	addr   net.Addr
	logger Logger
}

func (l *epollListener) Accept() (net.Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, swnet.ErrListenerClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return newEpollConn(c, l.addr), nil
}

func (l *epollListener) Close() error {
	err := l.ln.Close()
	stats := l.ln.Stats()
	l.logger.Debug("epoll listener closed",
		Field{"accepted", stats.TotalAccepted},
		Field{"rejected", stats.TotalRejected},
		Field{"errors", stats.TotalErrors},
		Field{"active", stats.ActiveConns},
	)
	return err
}

func (l *epollListener) Addr() net.Addr {
	return l.addr
}

// epollConn adapts swnet.Conn to net.Conn. Deadlines are kept here and fed
// to the socket one slice at a time, and the descriptor is released only
// once no read or write is using it.
type epollConn struct {
	sw     swnet.Conn
	local  net.Addr
	remote net.Addr

	mu            sync.Mutex
	busy          int
	closing       bool
	readDeadline  time.Time
	writeDeadline time.Time
}

func newEpollConn(sw swnet.Conn, local net.Addr) *epollConn {
	var remote net.Addr = stringAddr(sw.RemoteAddr())
	if tcp, err := net.ResolveTCPAddr("tcp", sw.RemoteAddr()); err == nil {
		remote = tcp
	}
	return &epollConn{sw: sw, local: local, remote: remote}
}

// begin registers an operation and returns the deadline it must honor.
func (c *epollConn) begin(write bool) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return time.Time{}, net.ErrClosed
	}
	c.busy++
	if write {
		return c.writeDeadline, nil
	}
	return c.readDeadline, nil
}

func (c *epollConn) end() {
	c.mu.Lock()
	c.busy--
	release := c.closing && c.busy == 0
	c.mu.Unlock()

	if release {
		c.sw.Close()
	}
}

// nextSlice returns the socket deadline for one slice, or false when the
// deadline has already passed.
func nextSlice(deadline time.Time) (time.Time, bool) {
	now := time.Now()
	next := now.Add(epollSlice)
	if deadline.IsZero() {
		return next, true
	}
	// Sub-millisecond timeouts round to zero, which the socket reads as
	// "no timeout".
	if deadline.Sub(now) < time.Millisecond {
		return time.Time{}, false
	}
	if deadline.Before(next) {
		return deadline, true
	}
	return next, true
}

func (c *epollConn) Read(b []byte) (int, error) {
	for {
		deadline, err := c.begin(false)
		if err != nil {
			return 0, err
		}
		slice, ok := nextSlice(deadline)
		if !ok {
			c.end()
			return 0, os.ErrDeadlineExceeded
		}

		c.sw.SetReadDeadline(slice)
		n, err := c.sw.Read(b)
		c.end()
		if !errors.Is(err, swnet.ErrTimeout) {
			return n, epollError(err)
		}
	}
}

func (c *epollConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		deadline, err := c.begin(true)
		if err != nil {
			return written, err
		}
		slice, ok := nextSlice(deadline)
		if !ok {
			c.end()
			return written, os.ErrDeadlineExceeded
		}

		c.sw.SetWriteDeadline(slice)
		n, err := c.sw.Write(b[written:])
		c.end()
		written += n
		if err != nil && !errors.Is(err, swnet.ErrTimeout) {
			return written, epollError(err)
		}
	}
	return written, nil
}

// Close returns immediately. An in-flight read or write notices within one
// slice and the last one out closes the descriptor.
func (c *epollConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	idle := c.busy == 0
	c.mu.Unlock()

	if idle {
		return c.sw.Close()
	}
	return nil
}

func (c *epollConn) LocalAddr() net.Addr  { return c.local }
func (c *epollConn) RemoteAddr() net.Addr { return c.remote }

func (c *epollConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *epollConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *epollConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// epollError maps socket-wrapper errors onto the ones net.Conn callers
// check for.
func epollError(err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	case errors.Is(err, swnet.ErrConnClosed):
		return net.ErrClosed
	case errors.Is(err, swnet.ErrTimeout):
		return os.ErrDeadlineExceeded
	}
	return err
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }

// epollLogger forwards socket-wrapper key/value logs to Logger. Its info
// lines repeat what Serve already logs, so they go out at debug level.
type epollLogger struct {
	log Logger
}

func (l epollLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, pairs(kv)...) }
func (l epollLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, pairs(kv)...) }
func (l epollLogger) Error(msg string, kv ...any) { l.log.Error(msg, pairs(kv)...) }

func pairs(kv []any) []Field {
	fields := make([]Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		var value any
		if i+1 < len(kv) {
			value = kv[i+1]
		}
		fields = append(fields, Field{key, value})
	}
	return fields
}
