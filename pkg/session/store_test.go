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
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

type staticLister struct {
	keys []*keys.Key
	err  error
}

func (l *staticLister) Keys(ctx context.Context) ([]*keys.Key, error) {
	return l.keys, l.err
}

func testKeys() []*keys.Key {
	return []*keys.Key{
		{Alias: "alpha", Public: &keys.RSAPublicKey{Modulus: []byte{0xC1}, Exponent: []byte{1, 0, 1}}},
		{Alias: "beta", Public: &keys.ECPublicKey{Curve: keys.CurveP256, X: []byte{1}, Y: []byte{2}}},
		{Alias: "gamma", Public: &keys.ECPublicKey{Curve: keys.CurveP384, X: []byte{3}, Y: []byte{4}}},
	}
}

func newTestStore() *Store {
	return NewStore(&staticLister{keys: testKeys()})
}

func TestCreateAssignsSmallestUnusedHandle(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	h1, err := store.Create(ctx)
	require.NoError(t, err)
	h2, err := store.Create(ctx)
	require.NoError(t, err)
	h3, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Handle{1, 2, 3}, []Handle{h1, h2, h3})

	require.NoError(t, store.Close(h2))
	reused, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, Handle(2), reused)
	assert.Equal(t, 3, store.Count())
}

func TestCreateFailsWhenBackendFails(t *testing.T) {
	store := NewStore(&staticLister{err: errors.New("unreachable")})
	_, err := store.Create(context.Background())
	assert.ErrorIs(t, err, ErrListing)
	assert.Equal(t, 0, store.Count())
}

func TestCloseUnknownHandle(t *testing.T) {
	store := newTestStore()
	assert.ErrorIs(t, store.Close(42), ErrSessionNotFound)

	_, err := store.Get(42)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFindEnumeratesAllKeysOnce(t *testing.T) {
	store := newTestStore()
	h, err := store.Create(context.Background())
	require.NoError(t, err)
	sess, err := store.Get(h)
	require.NoError(t, err)

	sess.FindInit(true, nil)
	var seen []int
	for {
		i, ok := sess.FindNext()
		if !ok {
			break
		}
		seen = append(seen, i)
	}
	assert.Equal(t, []int{0, 1, 2}, seen)

	_, ok := sess.FindNext()
	assert.False(t, ok, "exhausted search stays exhausted")
}

func TestFindWithAliasFilter(t *testing.T) {
	store := newTestStore()
	h, _ := store.Create(context.Background())
	sess, _ := store.Get(h)

	alias := "beta"
	sess.FindInit(true, &alias)
	i, ok := sess.FindNext()
	require.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = sess.FindNext()
	assert.False(t, ok)

	missing := "delta"
	sess.FindInit(true, &missing)
	_, ok = sess.FindNext()
	assert.False(t, ok)
}

func TestFindWithoutKeysMatchesNothing(t *testing.T) {
	store := newTestStore()
	h, _ := store.Create(context.Background())
	sess, _ := store.Get(h)

	sess.FindInit(false, nil)
	_, ok := sess.FindNext()
	assert.False(t, ok)
}

func TestFindInitRestartsCursor(t *testing.T) {
	store := newTestStore()
	h, _ := store.Create(context.Background())
	sess, _ := store.Get(h)

	sess.FindInit(true, nil)
	first, _ := sess.FindNext()
	sess.FindInit(true, nil)
	again, ok := sess.FindNext()
	require.True(t, ok)
	assert.Equal(t, first, again)
}

func TestSignInit(t *testing.T) {
	store := newTestStore()
	h, _ := store.Create(context.Background())
	sess, _ := store.Get(h)

	_, ok := sess.SignKey()
	assert.False(t, ok)

	require.NoError(t, sess.SignInit(2))
	k, ok := sess.SignKey()
	require.True(t, ok)
	assert.Equal(t, "gamma", k.Alias)

	assert.ErrorIs(t, sess.SignInit(3), ErrObjectNotFound)
	assert.ErrorIs(t, sess.SignInit(-1), ErrObjectNotFound)

	sess.ResetSign()
	_, ok = sess.SignKey()
	assert.False(t, ok)
}

func TestKeyLookup(t *testing.T) {
	store := newTestStore()
	h, _ := store.Create(context.Background())
	sess, _ := store.Get(h)

	k, err := sess.Key(0)
	require.NoError(t, err)
	assert.Equal(t, "alpha", k.Alias)

	_, err = sess.Key(3)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestConcurrentSessions(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make(chan Handle, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := store.Create(ctx)
			if !assert.NoError(t, err) {
				return
			}
			sess, err := store.Get(h)
			if !assert.NoError(t, err) {
				return
			}
			sess.FindInit(true, nil)
			for {
				if _, ok := sess.FindNext(); !ok {
					break
				}
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	unique := make(map[Handle]struct{})
	for h := range handles {
		unique[h] = struct{}{}
	}
	assert.Len(t, unique, 32)
	assert.Equal(t, 32, store.Count())

	store.CloseAll()
	assert.Equal(t, 0, store.Count())
}
