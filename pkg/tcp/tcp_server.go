// Package tcp accepts TCP connections and hands each one to a worker pool as
// a job.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
	"github.com/fluxorio/threadpool/pkg/core/failfast"
)

// Config configures the TCP server.
type Config struct {
	Addr string

	// MaxConnections ends the accept loop after this many connections have
	// been accepted. 0 means accept until Stop.
	MaxConnections int

	// MaxActive bounds connections in flight (queued + handling).
	// 0 means unlimited.
	MaxActive int

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger defaults to core.NewDefaultLogger().
	Logger core.Logger
}

// DefaultConfig returns a configuration without connection limits.
func DefaultConfig(addr string) Config {
	if addr == "" {
		addr = "127.0.0.1:7878"
	}
	return Config{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server runs an accept loop and submits every accepted connection to an
// Executor. It never owns the executor: stop the server first, then shut the
// executor down to drain connections already handed over.
type Server struct {
	cfg          Config
	executor     concurrency.Executor
	handler      ConnectionHandler
	logger       core.Logger
	backpressure *BackpressureController

	mu       sync.Mutex
	listener net.Listener
	stopping atomic.Bool
	done     chan struct{}

	totalAccepted atomic.Int64
	rejected      atomic.Int64
	handled       atomic.Int64
	errored       atomic.Int64
}

// NewServer creates a server. Panics if executor or handler is nil.
func NewServer(executor concurrency.Executor, handler ConnectionHandler, cfg Config) *Server {
	failfast.NotNil(executor, "executor")
	failfast.NotNil(handler, "tcp handler")

	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig("").Addr
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}

	return &Server{
		cfg:          cfg,
		executor:     executor,
		handler:      handler,
		logger:       cfg.Logger,
		backpressure: NewBackpressureController(cfg.MaxActive),
		done:         make(chan struct{}),
	}
}

// Listen binds the listening socket without accepting yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address (useful when Addr is ":0"), or "" before
// Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop until Stop is called or MaxConnections
// connections have been accepted. It returns nil in both cases.
func (s *Server) Serve() error {
	defer close(s.done)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("tcp: Serve called before Listen")
	}

	s.logger.Infof("tcp server listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}

		n := s.totalAccepted.Add(1)
		s.dispatch(conn)

		if s.cfg.MaxConnections > 0 && n >= int64(s.cfg.MaxConnections) {
			s.logger.Infof("tcp server accepted %d connections, no longer accepting", n)
			return s.Stop()
		}
	}
}

func (s *Server) dispatch(conn net.Conn) {
	if !s.backpressure.TryAcquire() {
		s.reject(conn, "too many active connections")
		return
	}

	task := concurrency.NewNamedTask("conn "+conn.RemoteAddr().String(), func(ctx context.Context) error {
		return s.handle(ctx, conn)
	})
	if err := s.executor.Submit(task); err != nil {
		s.backpressure.Release()
		s.reject(conn, err.Error())
	}
}

func (s *Server) reject(conn net.Conn, reason string) {
	s.rejected.Add(1)
	s.logger.Warnf("tcp: rejected connection from %s: %s", conn.RemoteAddr(), reason)
	_ = conn.Close()
}

// handle runs on a pool worker. A handler panic unwinds through the deferred
// cleanup into the pool, which isolates it.
func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer s.backpressure.Release()
	defer conn.Close()

	now := time.Now()
	_ = conn.SetReadDeadline(now.Add(s.cfg.ReadTimeout))
	_ = conn.SetWriteDeadline(now.Add(s.cfg.WriteTimeout))

	err := s.handler(ctx, conn)
	s.handled.Add(1)
	if err != nil {
		s.errored.Add(1)
		return fmt.Errorf("tcp: connection %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

// Stop closes the listener. Connections already submitted keep running on
// the executor.
func (s *Server) Stop() error {
	s.stopping.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("tcp: close listener: %w", err)
	}
	return nil
}

// Done is closed when Serve returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Metrics returns current server metrics.
func (s *Server) Metrics() ServerMetrics {
	return ServerMetrics{
		TotalAccepted:       s.totalAccepted.Load(),
		RejectedConnections: s.rejected.Load(),
		ActiveConnections:   s.backpressure.GetMetrics().CurrentLoad,
		HandledConnections:  s.handled.Load(),
		ErrorConnections:    s.errored.Load(),
		MaxConnections:      s.cfg.MaxConnections,
		MaxActive:           s.cfg.MaxActive,
	}
}
