package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Brownie44l1/httpd/internal/server"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

type options struct {
	cfg          server.Config
	debug        bool
	jsonLogs     bool
	drainTimeout time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	def := server.DefaultConfig()

	fs := flag.NewFlagSet("httpd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	root := fs.String("r", "", "document root directory (required)")
	port := fs.Int("p", 8080, "listen port")
	addr := fs.String("a", "0.0.0.0", "bind address")
	workers := fs.Int("w", def.MaxWorkers, "maximum concurrent connections")
	debug := fs.Bool("debug", false, "verbose diagnostic logging")
	jsonLogs := fs.Bool("log-json", false, "write logs as JSON lines")
	epoll := fs.Bool("epoll", false, "accept through the epoll listener (linux only; binds every interface)")
	readTimeout := fs.Duration("read-timeout", def.ReadTimeout, "time allowed for the first request on a connection")
	idleTimeout := fs.Duration("idle-timeout", def.IdleTimeout, "time allowed between keep-alive requests")
	writeTimeout := fs.Duration("write-timeout", def.WriteTimeout, "time allowed to write one response")
	drainTimeout := fs.Duration("drain-timeout", 30*time.Second, "time allowed for connections to finish on shutdown")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var problem string
	switch {
	case *root == "":
		problem = "-r is required"
	case *port < 0 || *port > 65535:
		problem = fmt.Sprintf("invalid port %d", *port)
	case *workers < 1:
		problem = fmt.Sprintf("-w must be at least 1, got %d", *workers)
	case fs.NArg() > 0:
		problem = fmt.Sprintf("unexpected arguments: %v", fs.Args())
	}
	if problem != "" {
		fmt.Fprintf(stderr, "httpd: %s\n", problem)
		fs.Usage()
		return options{}, errUsage
	}

	cfg := def
	cfg.Root = *root
	cfg.Addr = net.JoinHostPort(*addr, strconv.Itoa(*port))
	cfg.MaxWorkers = *workers
	cfg.ReadTimeout = *readTimeout
	cfg.IdleTimeout = *idleTimeout
	cfg.WriteTimeout = *writeTimeout
	cfg.Epoll = *epoll

	return options{cfg: cfg, debug: *debug, jsonLogs: *jsonLogs, drainTimeout: *drainTimeout}, nil
}

func newLogger(w io.Writer, opts options) server.Logger {
	if opts.jsonLogs {
		return server.NewLogger(w, opts.debug)
	}
	return server.NewConsoleLogger(w, opts.debug)
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	logger := newLogger(stderr, opts)

	srv, err := server.New(opts.cfg, logger)
	if err != nil {
		logger.Error("invalid configuration", server.Field{Key: "error", Value: err})
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", server.Field{Key: "error", Value: err})
		return exitError
	case <-ctx.Done():
	}
	stop()

	logger.Info("shutting down gracefully", server.Field{Key: "drain_timeout", Value: opts.drainTimeout})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.drainTimeout)
	defer cancel()

	code := exitOK
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", server.Field{Key: "error", Value: err})
		code = exitError
	}
	if err := <-errCh; err != nil && !errors.Is(err, server.ErrServerClosed) {
		logger.Error("server failed", server.Field{Key: "error", Value: err})
		code = exitError
	}

	stats := srv.Stats()
	logger.Info("server stopped",
		server.Field{Key: "requests", Value: stats.RequestsTotal},
		server.Field{Key: "connections", Value: stats.ConnectionsAccepted},
		server.Field{Key: "errors_4xx", Value: stats.Errors4xx},
		server.Field{Key: "errors_5xx", Value: stats.Errors5xx},
		server.Field{Key: "sent", Value: humanize.Bytes(uint64(stats.BytesSent))},
		server.Field{Key: "avg_latency", Value: stats.AverageLatency},
	)
	return code
}
