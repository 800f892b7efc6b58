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

package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.Equal(t, id, ID(ctx))

	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestIDMissing(t *testing.T) {
	assert.Empty(t, ID(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.Empty(t, ID(nil))
}

func TestWithOverrides(t *testing.T) {
	ctx, _ := New(context.Background())
	ctx = With(ctx, "conn-1")
	assert.Equal(t, "conn-1", ID(ctx))
}
