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

package sshagent

import (
	"bytes"
	"context"
	"sync"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
)

type identity struct {
	blob []byte
	key  *keys.Key
}

// Cache holds the identities last reported to clients. It is replaced
// wholesale on every identity request and shared by all connections of
// the process.
type Cache struct {
	mu         sync.Mutex
	identities []identity
}

var shared = &Cache{}

// SharedCache returns the process-wide identity cache.
func SharedCache() *Cache {
	return shared
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Refresh lists the keys again and replaces the cache contents.
func (c *Cache) Refresh(ctx context.Context, lister session.KeyLister) ([]identity, error) {
	list, err := lister.Keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]identity, 0, len(list))
	for _, k := range list {
		ids = append(ids, identity{blob: k.SSHBlob(), key: k})
	}

	c.mu.Lock()
	c.identities = ids
	c.mu.Unlock()
	return ids, nil
}

// Lookup returns the key whose wire blob equals blob.
func (c *Cache) Lookup(blob []byte) (*keys.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.identities {
		if bytes.Equal(id.blob, blob) {
			return id.key, true
		}
	}
	return nil, false
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.identities)
}
