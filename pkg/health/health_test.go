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

package health

import (
	"context"
	"crypto/elliptic"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/bridgetest"
)

func TestStartup(t *testing.T) {
	c := NewChecker()
	ctx := context.Background()

	assert.False(t, c.IsStarted())
	assert.Equal(t, StatusUnhealthy, c.Startup(ctx).Status)

	c.MarkStarted()
	assert.True(t, c.IsStarted())
	assert.Equal(t, StatusHealthy, c.Startup(ctx).Status)

	c.MarkNotStarted()
	assert.Equal(t, StatusUnhealthy, c.Startup(ctx).Status)
	assert.Equal(t, StatusHealthy, c.Live(ctx).Status)
	assert.Greater(t, c.Uptime(), time.Duration(0))
}

func TestReady(t *testing.T) {
	c := NewChecker()
	ctx := context.Background()

	results := c.Ready(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, "default", results[0].Name)

	c.RegisterCheck("zeta", func(context.Context) CheckResult { return CheckResult{Status: StatusDegraded} })
	c.RegisterCheck("alpha", func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	c.RegisterCheck("nil", nil)

	results = c.Ready(ctx)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Name)
	assert.Equal(t, "zeta", results[1].Name)
	assert.Equal(t, StatusDegraded, AggregateStatus(results))
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]CheckResult, len(tt.statuses))
			for i, s := range tt.statuses {
				results[i].Status = s
			}
			assert.Equal(t, tt.want, AggregateStatus(results))
		})
	}
}

func TestBackendCheck(t *testing.T) {
	ctx := context.Background()
	backend := bridgetest.New()
	client := bridge.NewClient(backend, nil)
	check := BackendCheck("backend", client, time.Second)

	assert.Equal(t, StatusDegraded, check(ctx).Status)

	backend.AddECDSA("ec", elliptic.P256())
	result := check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "1 keys", result.Message)

	backend.FailList(errors.New("connection refused"))
	result = check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "connection refused")
}
