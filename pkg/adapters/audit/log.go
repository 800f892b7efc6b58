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

package audit

import (
	"context"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
)

// Log writes each event as a structured log line.
type Log struct {
	logger logger.Logger
}

// NewLog returns a recorder that logs through l.
func NewLog(l logger.Logger) *Log {
	if l == nil {
		l = logger.NewNop()
	}
	return &Log{logger: l.With(logger.String("component", "audit"))}
}

// Record logs event at info, or warn when it did not succeed.
func (a *Log) Record(ctx context.Context, event *Event) error {
	fields := []logger.Field{
		logger.String("type", string(event.Type)),
		logger.String("outcome", string(event.Outcome)),
		logger.String("backend", event.Backend),
		logger.Any("duration", event.Duration),
	}
	if event.Alias != "" {
		fields = append(fields, logger.String("alias", event.Alias))
	}
	if event.Algorithm != "" {
		fields = append(fields, logger.String("algorithm", event.Algorithm))
	}
	if event.Error != "" {
		fields = append(fields, logger.String("error", event.Error))
	}

	if event.Outcome == OutcomeSuccess {
		a.logger.InfoContext(ctx, "audit", fields...)
	} else {
		a.logger.WarnContext(ctx, "audit", fields...)
	}
	return nil
}
