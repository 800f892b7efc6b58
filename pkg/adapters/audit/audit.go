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

// Package audit records what the bridge was asked to do on behalf of
// local clients: which key signed, with which algorithm, and whether the
// phone or KMS agreed.
package audit

import (
	"context"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventSign   EventType = "crypto.sign"
	EventUnlock EventType = "backend.unlock"
	EventList   EventType = "key.list"
)

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDeclined  Outcome = "declined"
	OutcomeThrottled Outcome = "throttled"
	OutcomeFailure   Outcome = "failure"
)

// Event is a single audit entry.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	Outcome   Outcome       `json:"outcome"`
	Backend   string        `json:"backend"`
	Alias     string        `json:"alias,omitempty"`
	Algorithm string        `json:"algorithm,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Recorder accepts audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// Reader returns recorded events.
type Reader interface {
	Events(ctx context.Context, query *Query) ([]*Event, error)
}

// Query filters events. Zero values match everything.
type Query struct {
	Types    []EventType
	Outcomes []Outcome
	Alias    string
	Since    time.Time
	// Limit caps the result; events are returned newest first.
	Limit int
}

func (q *Query) matches(e *Event) bool {
	if len(q.Types) > 0 && !contains(q.Types, e.Type) {
		return false
	}
	if len(q.Outcomes) > 0 && !contains(q.Outcomes, e.Outcome) {
		return false
	}
	if q.Alias != "" && q.Alias != e.Alias {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type multi []Recorder

// Multi fans events out to every non-nil recorder and returns the first
// error. It returns nil when no recorder remains.
func Multi(recorders ...Recorder) Recorder {
	var m multi
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m multi) Record(ctx context.Context, event *Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
