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

// Package termux reaches the Android keystore through the Termux:API
// broadcast receiver. Each call launches "am broadcast" with two abstract
// unix socket addresses; the receiver reads request input from one and
// writes its response to the other.
package termux

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/validation"
)

const (
	DefaultAmPath   = "/data/data/com.termux/files/usr/bin/am"
	DefaultReceiver = "com.termux.api/.TermuxApiReceiver"
	DefaultUser     = "0"

	methodKeystore    = "Keystore"
	methodFingerprint = "Fingerprint"

	authResultSuccess = "AUTH_RESULT_SUCCESS"
)

var ErrEmptyResponse = errors.New("termux: empty response")

// Config configures the broadcast dispatch.
type Config struct {
	AmPath   string `yaml:"am_path" json:"am_path" mapstructure:"am_path"`
	Receiver string `yaml:"receiver" json:"receiver" mapstructure:"receiver"`
	User     string `yaml:"user" json:"user" mapstructure:"user"`
}

// Process is a launched dispatcher command.
type Process interface {
	Wait() error
}

// Starter launches the dispatcher command without waiting for it.
type Starter interface {
	Start(ctx context.Context, path string, args []string) (Process, error)
}

type execStarter struct{}

func (execStarter) Start(ctx context.Context, path string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Backend implements bridge.Backend on top of Termux:API.
type Backend struct {
	config  Config
	starter Starter
	logger  logger.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithStarter replaces the process launcher.
func WithStarter(s Starter) Option {
	return func(b *Backend) { b.starter = s }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a Termux:API backend. Empty config fields take the
// Termux defaults.
func NewBackend(config Config, opts ...Option) *Backend {
	if config.AmPath == "" {
		config.AmPath = DefaultAmPath
	}
	if config.Receiver == "" {
		config.Receiver = DefaultReceiver
	}
	if config.User == "" {
		config.User = DefaultUser
	}
	b := &Backend{
		config:  config,
		starter: execStarter{},
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListKeys asks the keystore for a detailed key listing.
func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	out, err := b.communicate(ctx, methodKeystore,
		[]string{"-e", "command", "list", "--ez", "detailed", "true"}, nil)
	if err != nil {
		return nil, err
	}
	entries, skipped, err := keys.DecodeListing(out)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		b.logger.DebugContext(ctx, "termux: skipping listing element", logger.Error(e))
	}
	return entries, nil
}

// Sign sends data to the keystore for signing. The keystore answers with
// base64; an empty answer means it declined.
func (b *Backend) Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error) {
	out, err := b.communicate(ctx, methodKeystore,
		[]string{"-e", "command", "sign", "-e", "alias", alias, "-e", "algorithm", algorithm}, data)
	if err != nil {
		return nil, err
	}
	encoded := strings.TrimSpace(string(out))
	if encoded == "" {
		return nil, nil
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("termux: decoding signature: %w", err)
	}
	return sig, nil
}

type fingerprintResult struct {
	AuthResult     string   `json:"auth_result"`
	Errors         []string `json:"errors"`
	FailedAttempts int      `json:"failed_attempts"`
}

// Unlock prompts for a fingerprint. Keystore keys that require user
// authentication become usable for their validity window afterwards.
func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	out, err := b.communicate(ctx, methodFingerprint,
		[]string{"--es", "title", "keyagent", "--es", "description", "Unlock signing keys"}, nil)
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return false, ErrEmptyResponse
	}
	var res fingerprintResult
	if err := json.Unmarshal(out, &res); err != nil {
		return false, fmt.Errorf("termux: decoding fingerprint result: %w", err)
	}
	if res.AuthResult != authResultSuccess {
		b.logger.InfoContext(ctx, "termux: fingerprint not accepted",
			logger.String("auth_result", validation.SanitizeForLog(res.AuthResult)), logger.Int("failed_attempts", res.FailedAttempts))
		return false, nil
	}
	return true, nil
}

// communicate runs one broadcast and returns the receiver's output.
func (b *Backend) communicate(ctx context.Context, method string, extras []string, input []byte) ([]byte, error) {
	// The receiver writes its response to inbound and reads request input
	// from outbound.
	inbound, inName, err := listenAbstract()
	if err != nil {
		return nil, err
	}
	defer inbound.Close()
	outbound, outName, err := listenAbstract()
	if err != nil {
		return nil, err
	}
	defer outbound.Close()

	stop := context.AfterFunc(ctx, func() {
		inbound.Close()
		outbound.Close()
	})
	defer stop()

	args := []string{
		"broadcast",
		"--user", b.config.User,
		"-n", b.config.Receiver,
		"--es", "socket_input", outName,
		"--es", "socket_output", inName,
		"--es", "api_method", method,
	}
	args = append(args, extras...)

	proc, err := b.starter.Start(ctx, b.config.AmPath, args)
	if err != nil {
		return nil, fmt.Errorf("termux: starting %s: %w", b.config.AmPath, err)
	}

	out, err := exchange(ctx, inbound, outbound, input)
	waitErr := proc.Wait()
	if err != nil {
		return nil, err
	}
	if waitErr != nil {
		b.logger.WarnContext(ctx, "termux: dispatcher exited with error", logger.Error(waitErr))
	}
	return out, nil
}

func exchange(ctx context.Context, inbound, outbound net.Listener, input []byte) ([]byte, error) {
	conn, err := inbound.Accept()
	if err != nil {
		return nil, contextError(ctx, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Only accept on the input socket when there is something to send;
	// the receiver does not connect otherwise.
	if len(input) > 0 {
		w, err := outbound.Accept()
		if err != nil {
			return nil, contextError(ctx, err)
		}
		_, err = w.Write(input)
		w.Close()
		if err != nil {
			return nil, contextError(ctx, fmt.Errorf("termux: writing request: %w", err))
		}
	}

	out, err := io.ReadAll(conn)
	if err != nil {
		return nil, contextError(ctx, fmt.Errorf("termux: reading response: %w", err))
	}
	return out, nil
}

// listenAbstract listens on a fresh abstract unix socket. The returned name
// has no leading "@".
func listenAbstract() (net.Listener, string, error) {
	name := uuid.NewString()
	l, err := net.Listen("unix", "@"+name)
	if err != nil {
		return nil, "", fmt.Errorf("termux: listening on abstract socket: %w", err)
	}
	return l, name, nil
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("termux: %w", ctxErr)
	}
	return err
}
