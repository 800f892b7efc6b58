// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyagent.
//
// go-keyagent is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server runs the keyagent daemon: the SSH agent socket and the
// optional metrics and health listener, sharing one bridge client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/internal/sshagent"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/health"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
	"github.com/jeremyhahn/go-keyagent/pkg/ratelimit"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// Server represents the keyagent daemon
type Server struct {
	config *config.Config
	mu     sync.RWMutex
	logger logger.Logger

	backend       bridge.Backend
	client        *bridge.Client
	auditTrail    *audit.Memory
	agentServer   *sshagent.Server
	httpServer    *http.Server
	healthChecker *health.Checker
	limiter       *ratelimit.Limiter

	// Lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	errCh      chan error
}

// Option customizes a Server.
type Option func(*Server)

// WithBackend replaces the configured bridge backend.
func WithBackend(backend bridge.Backend) Option {
	return func(s *Server) {
		s.backend = backend
	}
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := setupLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:        cfg,
		logger:        log,
		healthChecker: health.NewChecker(),
		ctx:           ctx,
		cancel:        cancel,
		shutdownCh:    make(chan struct{}),
		errCh:         make(chan error, 2),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.backend == nil {
		s.backend, err = NewBackend(ctx, &cfg.Bridge, s.logger)
		if err != nil {
			cancel()
			return nil, err
		}
	}
	var trail audit.Recorder
	trail, s.auditTrail = NewAuditTrail(&cfg.Audit, s.logger)
	s.client = WrapBackend(s.backend, &cfg.Bridge, s.logger, trail)

	mode, err := cfg.Agent.Mode()
	if err != nil {
		cancel()
		return nil, err
	}
	s.agentServer, err = sshagent.NewServer(s.client, &sshagent.Config{
		SocketPath:      cfg.Agent.Socket,
		SocketMode:      mode,
		RequireSameUser: cfg.Agent.RequireSameUser,
		MaxMessageSize:  uint32(cfg.Agent.MaxMessageSize),
		Logger:          s.logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create agent server: %w", err)
	}

	s.healthChecker.RegisterCheck("bridge", health.BackendCheck(s.client.Name(), s.client, healthCheckTimeout))

	rl := cfg.Metrics.RateLimit
	s.limiter = ratelimit.New(&ratelimit.Config{
		Enabled:           rl.Enabled,
		RequestsPerMinute: rl.RequestsPerMinute,
		Burst:             rl.Burst,
	})

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	return s, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	log, err := logger.New(cfg.Level, cfg.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// Start binds the agent socket and the metrics listener and serves them
// in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting keyagent",
		logger.String("version", getBuildVersion()),
		logger.String("bridge", s.client.Name()))

	listener, err := s.agentServer.Listen()
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.agentServer.Serve(s.ctx, listener); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("Agent server error", logger.Error(err))
			s.errCh <- err
		}
	}()

	if s.config.Metrics.Enabled {
		if err := s.startHTTP(); err != nil {
			_ = s.agentServer.Stop(context.Background())
			return err
		}
	}

	s.healthChecker.MarkStarted()
	s.logger.Info("keyagent started", logger.String("socket", s.agentServer.SocketPath()))
	return nil
}

// startHTTP serves metrics and health probes.
func (s *Server) startHTTP() error {
	listener, err := net.Listen("tcp", s.config.Metrics.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Metrics.Address, err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting metrics server", logger.String("address", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", logger.Error(err))
			s.errCh <- err
		}
	}()
	return nil
}

// SocketPath returns the agent socket path.
func (s *Server) SocketPath() string {
	return s.agentServer.SocketPath()
}

// Client returns the shared bridge client.
func (s *Server) Client() *bridge.Client {
	return s.client
}

// Errors reports fatal errors from the background listeners.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown gracefully shuts down all servers
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down keyagent...")
	s.healthChecker.MarkNotStarted()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if err := s.agentServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("agent server: %w", err))
	}

	s.limiter.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown timed out: %w", ctx.Err()))
	}

	close(s.shutdownCh)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("keyagent stopped")
	return nil
}

// WaitForShutdown blocks until the server is shut down
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// SetupSignalHandler returns a context derived from parent that is
// cancelled on SIGINT or SIGTERM. A second signal exits immediately.
func SetupSignalHandler(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
			signal.Stop(c)
			return
		}
		<-c
		os.Exit(1)
	}()

	return ctx
}

// getBuildVersion returns the module version from build info.
func getBuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}
