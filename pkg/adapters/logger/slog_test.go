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

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyagent/pkg/correlation"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONOutputWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogAdapter(&SlogConfig{Level: LevelDebug, Format: FormatJSON, Writer: &buf})

	log.With(String("component", "sshagent")).Info("signed",
		String("alias", "k1"), Uint("session", 3), Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "signed", rec["msg"])
	assert.Equal(t, "sshagent", rec["component"])
	assert.Equal(t, "k1", rec["alias"])
	assert.Equal(t, float64(3), rec["session"])
	assert.Equal(t, "boom", rec["error"])
}

func TestContextAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogAdapter(&SlogConfig{Format: FormatJSON, Writer: &buf})

	ctx := correlation.With(context.Background(), "conn-7")
	log.InfoContext(ctx, "connected")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "conn-7", rec["correlation_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogAdapter(&SlogConfig{Level: LevelWarn, Writer: &buf})
	log.Info("hidden")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew(t *testing.T) {
	_, err := New("info", "xml", nil)
	assert.Error(t, err)

	_, err = New("loud", "text", nil)
	assert.Error(t, err)

	var buf bytes.Buffer
	log, err := New("debug", "text", &buf)
	require.NoError(t, err)
	log.Debug("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNopDiscards(t *testing.T) {
	log := NewNop()
	log.Error("nothing")
	log.With(Int("n", 1)).Info("nothing")
}
