package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Brownie44l1/httpd/internal/request"
	"github.com/Brownie44l1/httpd/internal/resolver"
	"github.com/Brownie44l1/httpd/internal/response"
)

type connState int

const (
	// stateIdle covers waiting for and reading a request. Shutdown may
	// close a connection in this state.
	stateIdle connState = iota
	// stateActive is set once a request is parsed, until its response is
	// written.
	stateActive
)

const writeBufferSize = 4 << 10

// conn is one client connection. It is served by exactly one goroutine.
type conn struct {
	srv    *Server
	rwc    net.Conn
	remote string
	reader *request.Reader
	bw     *bufio.Writer

	mu     sync.Mutex
	state  connState
	served int
}

func newConn(srv *Server, rwc net.Conn) *conn {
	return &conn{
		srv:    srv,
		rwc:    rwc,
		remote: rwc.RemoteAddr().String(),
		reader: request.NewReader(rwc, srv.cfg.Limits),
		bw:     bufio.NewWriterSize(rwc, writeBufferSize),
	}
}

// serve handles all requests on a single connection
func (c *conn) serve() {
	defer c.rwc.Close()

	for {
		if !c.awaitRequest() {
			return
		}

		req, err := c.reader.ReadRequest()
		if err != nil {
			c.handleParseError(err)
			return
		}

		c.setState(stateActive)
		if !c.handleRequest(req) {
			return
		}
		c.served++
	}
}

// awaitRequest arms the read deadline for the next request. It returns
// false when the server is draining and no new request should be read.
func (c *conn) awaitRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.srv.shuttingDown() {
		return false
	}
	c.state = stateIdle

	timeout := c.srv.cfg.ReadTimeout
	if c.served > 0 {
		timeout = c.srv.cfg.IdleTimeout
	}
	if timeout > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.rwc.SetReadDeadline(time.Time{})
	}
	return true
}

func (c *conn) setState(state connState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// closeIfIdle wakes a connection blocked waiting for a request. The pending
// read fails with a timeout and the connection closes without a response.
func (c *conn) closeIfIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateIdle {
		c.rwc.SetReadDeadline(time.Now())
	}
}

// handleRequest answers one parsed request and reports whether the
// connection may carry another.
func (c *conn) handleRequest(req *request.Request) bool {
	start := time.Now()

	resp, recovered := c.buildResponse(req)
	defer resp.Close()

	keepAlive := !recovered && wantsKeepAlive(req, c.srv.shuttingDown())
	w, err := c.send(resp, req.Method == request.MethodHead, keepAlive)

	c.srv.metrics.RecordRequest(int(resp.Status), w.BodyBytes(), time.Since(start))
	c.srv.logger.Debug("request handled",
		Field{"remote", c.remote},
		Field{"method", req.RawMethod},
		Field{"target", req.Target},
		Field{"version", req.Version},
		Field{"status", int(resp.Status)},
		Field{"bytes", w.BodyBytes()},
		Field{"keep_alive", keepAlive},
		Field{"duration", time.Since(start)},
	)

	if err != nil {
		c.srv.logger.Debug("write failed", Field{"remote", c.remote}, Field{"error", err})
		return false
	}
	return keepAlive && canReuse(w)
}

// buildResponse maps the request to a response, turning a panic into a 500.
func (c *conn) buildResponse(req *request.Request) (resp *response.Response, recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.logger.Error("panic recovered",
				Field{"error", fmt.Sprint(r)},
				Field{"stack", string(debug.Stack())},
				Field{"target", req.Target},
			)
			resp = c.srv.builder.Error(response.StatusInternalServerError)
			recovered = true
		}
	}()

	if req.Method == request.MethodOther {
		return c.srv.builder.Build(req, resolver.Target{}), false
	}

	target, err := c.srv.resolver.Resolve(req.Target)
	if err != nil {
		c.srv.logger.Debug("bad target", Field{"target", req.Target}, Field{"error", err})
		return c.srv.builder.Error(response.StatusBadRequest), false
	}
	if target.Kind == resolver.KindForbidden {
		c.srv.logger.Debug("forbidden target", Field{"remote", c.remote}, Field{"target", req.Target})
	}
	return c.srv.builder.Build(req, target), false
}

// handleParseError answers a request that could not be parsed. The stream
// position is unknown afterwards, so the connection always closes.
func (c *conn) handleParseError(err error) {
	resp, ok := c.srv.builder.ForParseError(err)
	if !ok {
		if !errors.Is(err, request.ErrConnectionClosed) {
			c.srv.logger.Debug("closing connection", Field{"remote", c.remote}, Field{"error", err})
		}
		return
	}

	c.srv.logger.Debug("parse error", Field{"remote", c.remote}, Field{"error", err})
	c.srv.metrics.RecordRequest(int(resp.Status), 0, 0)
	c.send(resp, false, false)
}

func (c *conn) send(resp *response.Response, head, keepAlive bool) (*response.Writer, error) {
	resp.SetKeepAlive(keepAlive)

	if timeout := c.srv.cfg.WriteTimeout; timeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(timeout))
	}

	w := response.NewWriter(c.bw)
	err := resp.Send(w, head)
	if err != nil {
		// Drop whatever is still buffered; the connection is done.
		c.bw.Reset(c.rwc)
	}
	return w, err
}
