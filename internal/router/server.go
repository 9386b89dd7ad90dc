package router

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultAuthFailDelay is slept before rejecting an incorrect password, to
// rate-limit brute-force attempts.
const DefaultAuthFailDelay = 3 * time.Second

// Config holds the router server parameters.
type Config struct {
	// Addr is the TCP listen address, e.g. ":54565".
	Addr string

	// Password enables authentication when non-empty.
	Password string

	// AuthFailDelay is the pause before a wrong-password rejection.
	// Zero means DefaultAuthFailDelay.
	AuthFailDelay time.Duration

	// TLS wraps the listener when non-nil.
	TLS *tls.Config
}

// Server accepts peer and client connections and runs one Session per
// connection against a shared Registry.
type Server struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// Option configures optional Server parameters.
type Option func(*serverOptions)

type serverOptions struct {
	metrics MetricsReporter
}

// WithMetrics wires a MetricsReporter into the server's registry.
func WithMetrics(mr MetricsReporter) Option {
	return func(o *serverOptions) {
		if mr != nil {
			o.metrics = mr
		}
	}
}

// New creates a Server. The registry starts empty; sessions join as
// connections complete their handshakes.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if cfg.AuthFailDelay == 0 {
		cfg.AuthFailDelay = DefaultAuthFailDelay
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	return &Server{
		cfg:      cfg,
		registry: NewRegistry([]byte(cfg.Password), logger, o.metrics),
		logger:   logger.With(slog.String("component", "router.server")),
	}
}

// Registry exposes the server's registry for inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Listen binds the listen socket. Must be called before Serve; separate so
// callers can learn the bound address (tests listen on port 0).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("router listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLS != nil),
		slog.Bool("password", s.cfg.Password != ""),
	)
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for every session to finish. Call Listen first; as a
// convenience Serve does it when the caller has not.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	// Unblock Accept on shutdown.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.logger.Debug("connection accepted",
			slog.String("remote", conn.RemoteAddr().String()),
		)

		sess := newSession(s.registry, conn, s.cfg.AuthFailDelay, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve(ctx)
		}()
	}
}
