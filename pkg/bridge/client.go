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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/correlation"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name labels metrics and log lines, e.g. "termux".
	Name string

	// Timeout bounds each backend call. Zero leaves calls unbounded.
	Timeout time.Duration

	// UnlockInterval is the minimum spacing between unlock prompts. Zero
	// disables throttling.
	UnlockInterval time.Duration

	Logger logger.Logger

	// Audit receives one event per list, sign and unlock. Nil disables
	// auditing.
	Audit audit.Recorder
}

// Client wraps a Backend for use by the token and agent surfaces.
type Client struct {
	backend Backend
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	logger  logger.Logger
	audit   audit.Recorder
}

var errStillLocked = errors.New("bridge: backend remained locked")

// NewClient wraps backend.
func NewClient(backend Backend, config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}
	c := &Client{
		backend: backend,
		name:    config.Name,
		timeout: config.Timeout,
		logger:  config.Logger,
		audit:   config.Audit,
	}
	if c.name == "" {
		c.name = "backend"
	}
	if c.logger == nil {
		c.logger = logger.NewNop()
	}
	if config.UnlockInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(config.UnlockInterval), 1)
	}
	return c
}

// Name returns the backend label.
func (c *Client) Name() string {
	return c.name
}

// Keys fetches and parses the backend listing. Entries that do not
// describe a supported key are logged and skipped.
func (c *Client) Keys(ctx context.Context) (parsed []*keys.Key, err error) {
	start := time.Now()
	defer func() { c.record(ctx, &audit.Event{Type: audit.EventList}, start, err) }()

	var entries []keys.Entry
	err = c.call(ctx, metrics.OpList, func(ctx context.Context) (err error) {
		entries, err = c.backend.ListKeys(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, skipped := keys.ParseEntries(entries)
	for _, e := range skipped {
		c.logger.DebugContext(ctx, "skipping listing entry", logger.Error(e))
	}
	metrics.SetKeysTotal(c.name, len(parsed))
	return parsed, nil
}

// Sign signs data through the backend. A declined signature triggers
// exactly one unlock attempt and, if it succeeds, exactly one retry. A
// second decline, or a failed unlock, returns ErrDeclined.
func (c *Client) Sign(ctx context.Context, alias, algorithm string, data []byte) (sig []byte, err error) {
	start := time.Now()
	defer func() {
		c.record(ctx, &audit.Event{Type: audit.EventSign, Alias: alias, Algorithm: algorithm}, start, err)
	}()

	log := c.logger.With(logger.String("alias", alias), logger.String("algorithm", algorithm))

	sig, err = c.sign(ctx, alias, algorithm, data)
	if err != nil || len(sig) > 0 {
		return sig, err
	}

	log.InfoContext(ctx, "signature declined, requesting unlock")
	if err := c.unlock(ctx); err != nil {
		log.WarnContext(ctx, "unlock failed", logger.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDeclined, err)
	}

	sig, err = c.sign(ctx, alias, algorithm, data)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		log.WarnContext(ctx, "signature declined after unlock")
		return nil, ErrDeclined
	}
	return sig, nil
}

func (c *Client) sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error) {
	var sig []byte
	err := c.call(ctx, metrics.OpSign, func(ctx context.Context) (err error) {
		sig, err = c.backend.Sign(ctx, alias, algorithm, data)
		if err == nil && len(sig) == 0 {
			metrics.RecordError(metrics.OpSign, c.name, metrics.ErrorTypeDeclined)
		}
		return err
	})
	return sig, err
}

func (c *Client) unlock(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.record(ctx, &audit.Event{Type: audit.EventUnlock}, start, err) }()

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RecordError(metrics.OpUnlock, c.name, metrics.ErrorTypeThrottled)
		return ErrUnlockThrottled
	}

	var ok bool
	err = c.call(ctx, metrics.OpUnlock, func(ctx context.Context) (err error) {
		ok, err = c.backend.Unlock(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return errStillLocked
	}
	return nil
}

// call runs fn under the configured timeout and records its outcome.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		errType := metrics.ErrorTypeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			errType = metrics.ErrorTypeTimeout
		}
		metrics.RecordOperation(op, c.name, metrics.StatusError, elapsed.Seconds())
		metrics.RecordError(op, c.name, errType)
		metrics.SetBackendHealth(c.name, false)
		c.logger.ErrorContext(ctx, "backend call failed",
			logger.String("operation", op), logger.Any("elapsed", elapsed), logger.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
	}

	metrics.RecordOperation(op, c.name, metrics.StatusSuccess, elapsed.Seconds())
	metrics.SetBackendHealth(c.name, true)
	c.logger.DebugContext(ctx, "backend call completed",
		logger.String("operation", op), logger.Any("elapsed", elapsed))
	return nil
}

// record completes event with timing and outcome and hands it to the
// audit recorder. Recorder failures are logged, never returned.
func (c *Client) record(ctx context.Context, event *audit.Event, start time.Time, err error) {
	if c.audit == nil {
		return
	}
	event.Timestamp = start
	event.Duration = time.Since(start)
	event.Backend = c.name
	event.RequestID = correlation.ID(ctx)
	event.Outcome = outcomeOf(err)
	if err != nil {
		event.Error = err.Error()
	}
	if rerr := c.audit.Record(ctx, event); rerr != nil {
		c.logger.WarnContext(ctx, "audit record failed", logger.Error(rerr))
	}
}

func outcomeOf(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case errors.Is(err, ErrUnlockThrottled):
		return audit.OutcomeThrottled
	case errors.Is(err, ErrDeclined), errors.Is(err, errStillLocked):
		return audit.OutcomeDeclined
	default:
		return audit.OutcomeFailure
	}
}
