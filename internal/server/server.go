package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/httpd/internal/request"
	"github.com/Brownie44l1/httpd/internal/resolver"
	"github.com/Brownie44l1/httpd/internal/response"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server closed")

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds server configuration
type Config struct {
	Addr       string // host:port to listen on
	Root       string // document root
	MaxWorkers int    // connections served concurrently
	ServerName string

	ReadTimeout  time.Duration // first request on a connection
	IdleTimeout  time.Duration // later keep-alive requests
	WriteTimeout time.Duration // per response

	Limits request.Limits

	// Epoll accepts through the socket-wrapper epoll listener (linux only).
	// It binds the port of Addr on every interface.
	Epoll bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:         "0.0.0.0:8080",
		MaxWorkers:   runtime.NumCPU() * 4,
		ServerName:   response.DefaultServerName,
		ReadTimeout:  5 * time.Second,
		IdleTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		Limits:       request.DefaultLimits(),
	}
}

// Validate checks the fields that have no usable zero value.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: document root is required", ErrInvalidConfig)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: max workers must be at least 1, got %d", ErrInvalidConfig, c.MaxWorkers)
	}
	if c.ReadTimeout < 0 || c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.Epoll {
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		switch host {
		case "", "0.0.0.0", "::":
		default:
			return fmt.Errorf("%w: epoll listener binds every interface, cannot bind %s", ErrInvalidConfig, host)
		}
	}
	return nil
}

// Server serves static files from a document root over HTTP/1.x.
type Server struct {
	cfg      Config
	resolver *resolver.Resolver
	builder  *response.Builder
	logger   Logger
	metrics  *Metrics

	// Each connection holds one slot for its whole lifetime.
	sem *semaphore.Weighted

	ctx        context.Context
	cancel     context.CancelFunc
	inShutdown atomic.Bool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
}

// New validates cfg and opens the document root. A nil logger discards
// all output.
func New(cfg Config, logger Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resolver.New(cfg.Root)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = &NullLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		resolver:  res,
		builder:   response.NewBuilder(cfg.ServerName),
		logger:    logger,
		metrics:   NewMetrics(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}, nil
}

// Root is the canonical document root being served.
func (s *Server) Root() string {
	return s.resolver.Root()
}

// ListenAndServe binds cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if s.shuttingDown() {
		return ErrServerClosed
	}

	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.Epoll {
		return listenEpoll(s.cfg.Addr, s.logger)
	}
	return net.Listen("tcp", s.cfg.Addr)
}

// Serve accepts connections on ln until Shutdown. A pool slot is taken
// before Accept, so a saturated pool leaves new connections in the kernel
// backlog. Serve always closes ln.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)
	defer ln.Close()

	s.logger.Info("listening",
		Field{"addr", ln.Addr().String()},
		Field{"root", s.Root()},
		Field{"workers", s.cfg.MaxWorkers},
	)

	var tempDelay time.Duration
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return ErrServerClosed
		}

		rw, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = backoff(tempDelay)
				s.logger.Warn("accept error; retrying", Field{"error", err}, Field{"delay", tempDelay})
				time.Sleep(tempDelay)
				continue
			}
			s.logger.Error("accept failed", Field{"error", err})
			return err
		}
		tempDelay = 0

		c := newConn(s, rw)
		if !s.trackConn(c, true) {
			rw.Close()
			s.sem.Release(1)
			return ErrServerClosed
		}

		go func() {
			defer s.sem.Release(1)
			defer s.trackConn(c, false)
			c.serve()
		}()
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// shutdownPollInterval is how often Shutdown checks for drained connections.
const shutdownPollInterval = 10 * time.Millisecond

// Shutdown stops accepting, closes idle connections and waits for active
// ones to finish their current response. When ctx ends first the remaining
// connections are closed forcibly and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.cancel()

	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.closeIfIdle()
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", Field{"active", s.activeConns()})

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if s.activeConns() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			n := s.closeAll()
			s.logger.Warn("drain deadline exceeded", Field{"closed", n})
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the server metrics.
func (s *Server) Stats() MetricsSnapshot {
	return s.metrics.Snapshot()
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.shuttingDown() {
			return false
		}
		s.conns[c] = struct{}{}
		s.metrics.connOpened()
	} else {
		delete(s.conns, c)
		s.metrics.connClosed()
	}
	return true
}

func (s *Server) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		c.rwc.Close()
	}
	return len(s.conns)
}
