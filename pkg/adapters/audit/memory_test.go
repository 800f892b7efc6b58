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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
)

func signEvent(alias string, outcome Outcome) *Event {
	return &Event{Type: EventSign, Outcome: outcome, Backend: "termux", Alias: alias, Algorithm: "SHA256withRSA"}
}

func TestMemoryRecordAssignsIDAndTimestamp(t *testing.T) {
	m := NewMemory(4)
	ev := signEvent("laptop", OutcomeSuccess)
	require.NoError(t, m.Record(context.Background(), ev))

	assert.Empty(t, ev.ID, "caller's event is not modified")

	events, err := m.Events(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, "laptop", events[0].Alias)
}

func TestMemoryRejectsNil(t *testing.T) {
	assert.Error(t, NewMemory(1).Record(context.Background(), nil))
}

func TestMemoryRingOverwritesOldest(t *testing.T) {
	m := NewMemory(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Record(context.Background(), signEvent(fmt.Sprintf("k%d", i), OutcomeSuccess)))
	}
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, uint64(5), m.Total())

	events, err := m.Events(context.Background(), nil)
	require.NoError(t, err)
	aliases := make([]string, 0, len(events))
	for _, e := range events {
		aliases = append(aliases, e.Alias)
	}
	assert.Equal(t, []string{"k4", "k3", "k2"}, aliases)
}

func TestMemoryDefaultCapacity(t *testing.T) {
	assert.Len(t, NewMemory(0).ring, DefaultCapacity)
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16)
	start := time.Now()

	require.NoError(t, m.Record(ctx, &Event{Type: EventSign, Outcome: OutcomeSuccess, Alias: "a", Timestamp: start.Add(-time.Hour)}))
	require.NoError(t, m.Record(ctx, &Event{Type: EventSign, Outcome: OutcomeDeclined, Alias: "a", Timestamp: start}))
	require.NoError(t, m.Record(ctx, &Event{Type: EventUnlock, Outcome: OutcomeThrottled, Timestamp: start}))
	require.NoError(t, m.Record(ctx, &Event{Type: EventSign, Outcome: OutcomeSuccess, Alias: "b", Timestamp: start}))

	tests := []struct {
		name  string
		query *Query
		want  int
	}{
		{"all", &Query{}, 4},
		{"by type", &Query{Types: []EventType{EventUnlock}}, 1},
		{"by outcome", &Query{Outcomes: []Outcome{OutcomeDeclined, OutcomeThrottled}}, 2},
		{"by alias", &Query{Alias: "a"}, 2},
		{"since", &Query{Since: start.Add(-time.Minute)}, 3},
		{"limit", &Query{Limit: 2}, 2},
		{"combined", &Query{Types: []EventType{EventSign}, Alias: "a", Since: start}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := m.Events(ctx, tt.query)
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestMemoryConcurrentRecord(t *testing.T) {
	m := NewMemory(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Record(context.Background(), signEvent("k", OutcomeSuccess))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, m.Len())
	assert.Equal(t, uint64(400), m.Total())
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, *Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestMulti(t *testing.T) {
	assert.Nil(t, Multi(nil, nil))

	m := NewMemory(2)
	assert.Same(t, m, Multi(nil, m))

	f := &failingRecorder{}
	r := Multi(f, m)
	assert.EqualError(t, r.Record(context.Background(), signEvent("k", OutcomeSuccess)), "disk full")
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 1, m.Len(), "later recorders still run")
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.New("info", "json", &buf)
	require.NoError(t, err)

	rec := NewLog(l)
	require.NoError(t, rec.Record(context.Background(), signEvent("laptop", OutcomeSuccess)))
	require.NoError(t, rec.Record(context.Background(), &Event{
		Type: EventUnlock, Outcome: OutcomeFailure, Backend: "termux", Error: "timeout",
	}))

	out := buf.String()
	assert.Contains(t, out, `"alias":"laptop"`)
	assert.Contains(t, out, `"component":"audit"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"error":"timeout"`)
}
