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

// Package session holds the per-session key snapshots and search/sign
// state behind the PKCS#11 surface.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// KeyLister fetches the current backend key listing.
type KeyLister interface {
	Keys(ctx context.Context) ([]*keys.Key, error)
}

// Handle identifies an open session. Zero is never issued.
type Handle uint

// Store is the process-wide registry of open sessions. The registry lock
// only guards the handle table; each Session carries its own lock.
type Store struct {
	lister KeyLister

	mu       sync.Mutex
	sessions map[Handle]*Session
}

// NewStore creates an empty registry backed by lister.
func NewStore(lister KeyLister) *Store {
	return &Store{
		lister:   lister,
		sessions: make(map[Handle]*Session),
	}
}

// Create fetches a fresh key listing and registers a new session under the
// smallest unused handle.
func (s *Store) Create(ctx context.Context) (Handle, error) {
	snapshot, err := s.lister.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrListing, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := Handle(1)
	for {
		if _, used := s.sessions[h]; !used {
			break
		}
		h++
	}
	s.sessions[h] = newSession(h, snapshot)
	return h, nil
}

// Close removes a session.
func (s *Store) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[h]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, h)
	return nil
}

// Get returns an open session.
func (s *Store) Get(h Handle) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[h]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Count returns the number of open sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll drops every open session.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}
