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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 256

// Memory keeps the most recent events in a fixed-size ring.
type Memory struct {
	mu    sync.RWMutex
	ring  []*Event
	next  int
	count int
	total uint64
}

// NewMemory creates a ring holding capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{ring: make([]*Event, capacity)}
}

// Record stores a copy of event, assigning an ID and timestamp when they
// are missing. The oldest event is overwritten once the ring is full.
func (m *Memory) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("audit: event cannot be nil")
	}
	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = &e
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.total++
	return nil
}

// Events returns matching events, newest first.
func (m *Memory) Events(ctx context.Context, query *Query) ([]*Event, error) {
	if query == nil {
		query = &Query{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Event, 0, m.count)
	for i := 1; i <= m.count; i++ {
		e := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if !query.matches(e) {
			continue
		}
		c := *e
		results = append(results, &c)
		if query.Limit > 0 && len(results) == query.Limit {
			break
		}
	}
	return results, nil
}

// Len returns the number of retained events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Total returns the number of events ever recorded, including evicted ones.
func (m *Memory) Total() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
