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

package session

import (
	"sync"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// Session is an open token session: a key snapshot taken at creation, a
// search cursor and an optional pending sign key.
type Session struct {
	handle Handle
	keys   []*keys.Key

	mu          sync.Mutex
	cursor      int
	wantKeys    bool
	aliasFilter *string
	signIndex   int
	signing     bool
}

func newSession(h Handle, snapshot []*keys.Key) *Session {
	return &Session{handle: h, keys: snapshot}
}

// Handle returns the session handle.
func (s *Session) Handle() Handle {
	return s.handle
}

// Len returns the number of keys in the snapshot.
func (s *Session) Len() int {
	return len(s.keys)
}

// FindInit starts a new search. When wantKeys is false the search matches
// nothing. A non-nil alias restricts matches to that alias.
func (s *Session) FindInit(wantKeys bool, alias *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = 0
	s.wantKeys = wantKeys
	s.aliasFilter = alias
}

// FindNext returns the index of the next matching key and advances the
// cursor past it. ok is false once the snapshot is exhausted.
func (s *Session) FindNext() (index int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wantKeys {
		s.cursor = len(s.keys)
		return 0, false
	}
	for s.cursor < len(s.keys) {
		i := s.cursor
		s.cursor++
		if s.aliasFilter != nil && s.keys[i].Alias != *s.aliasFilter {
			continue
		}
		return i, true
	}
	return 0, false
}

// Key returns the key at index.
func (s *Session) Key(index int) (*keys.Key, error) {
	if index < 0 || index >= len(s.keys) {
		return nil, ErrObjectNotFound
	}
	return s.keys[index], nil
}

// SignInit records the pending sign key. Only existence is checked.
func (s *Session) SignInit(index int) error {
	if index < 0 || index >= len(s.keys) {
		return ErrObjectNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.signIndex = index
	s.signing = true
	return nil
}

// SignKey returns the pending sign key, if any.
func (s *Session) SignKey() (*keys.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.signing {
		return nil, false
	}
	return s.keys[s.signIndex], true
}

// ResetSign clears the pending sign operation.
func (s *Session) ResetSign() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signing = false
}
