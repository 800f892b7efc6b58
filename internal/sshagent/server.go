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

package sshagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/correlation"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
)

// Config holds the agent server configuration
type Config struct {
	// SocketPath is the path to the unix socket
	SocketPath string

	// SocketMode is the file mode for the socket (default: 0600)
	SocketMode os.FileMode

	// RequireSameUser rejects peers running as another user where the
	// platform reports peer credentials
	RequireSameUser bool

	// MaxMessageSize bounds inbound frames (default: 256 KiB)
	MaxMessageSize uint32

	// Cache overrides the process-wide identity cache
	Cache *Cache

	// Logger is the logging adapter
	Logger logger.Logger
}

// Server accepts agent connections and serves each on its own goroutine.
type Server struct {
	config *Config
	agent  *Agent
	logger logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server signing through signer.
func NewServer(signer Signer, cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0600
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &Server{
		config: cfg,
		agent:  NewAgent(signer, cfg.Cache, cfg.Logger),
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Listen creates the unix socket, replacing a stale one.
func (s *Server) Listen() (net.Listener, error) {
	if s.config.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.config.SocketPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket listener: %w", err)
	}
	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.logger.Info("agent socket created", logger.String("path", s.config.SocketPath))
	return listener, nil
}

// Start listens on the configured socket and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until Stop is called.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sshagent: accept: %w", err)
		}

		if s.config.RequireSameUser {
			if err := checkPeer(conn); err != nil {
				s.logger.Warn("sshagent: rejected connection", logger.Error(err))
				_ = conn.Close()
				continue
			}
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.untrack(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn serves requests on conn until it fails or closes.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	tracker := metrics.NewConnectionTracker(metrics.ProtocolSSHAgent)
	defer tracker.Close()

	ctx, _ = correlation.New(ctx)
	s.logger.DebugContext(ctx, "sshagent: connection opened")

	for {
		req, err := readFrame(conn, s.config.MaxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.DebugContext(ctx, "sshagent: closing connection", logger.Error(err))
			}
			return
		}
		reply, err := s.agent.Handle(ctx, req)
		if err != nil {
			s.logger.WarnContext(ctx, "sshagent: closing connection", logger.Error(err))
			return
		}
		if err := writeFrame(conn, reply); err != nil {
			s.logger.DebugContext(ctx, "sshagent: write failed", logger.Error(err))
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Stop closes the listener and open connections, waits for connection
// workers and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if s.config.SocketPath != "" {
		if rmErr := os.Remove(s.config.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("Failed to remove socket file", logger.Error(rmErr))
		}
	}
	s.logger.Info("agent server stopped")
	return err
}

// SocketPath returns the path to the unix socket
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}
