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

// Package correlation tags agent connections and token sessions with an ID
// that follows every log line they produce.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// With returns a child context carrying id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// New returns a child context carrying a fresh ID, and the ID.
func New(ctx context.Context) (context.Context, string) {
	id := NewID()
	return With(ctx, id), id
}

// ID returns the correlation ID carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID generates a random UUID v4.
func NewID() string {
	return uuid.New().String()
}
