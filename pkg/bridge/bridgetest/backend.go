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

// Package bridgetest provides an in-memory bridge.Backend holding real
// private keys, for tests of the token and agent surfaces.
package bridgetest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

type storedKey struct {
	alias  string
	signer crypto.Signer
}

// Backend is a scriptable in-memory key custodian.
type Backend struct {
	mu   sync.Mutex
	keys []storedKey

	declines     int
	unlockResult bool
	unlockErr    error
	listErr      error
	signErr      error

	listCalls   int
	signCalls   int
	unlockCalls int
	lastAlg     string
}

// New returns an empty backend whose unlock succeeds.
func New() *Backend {
	return &Backend{unlockResult: true}
}

// AddRSA generates and stores an RSA key.
func (b *Backend) AddRSA(alias string, bits int) *rsa.PrivateKey {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		panic(err)
	}
	b.Add(alias, priv)
	return priv
}

// AddECDSA generates and stores an ECDSA key.
func (b *Backend) AddECDSA(alias string, curve elliptic.Curve) *ecdsa.PrivateKey {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		panic(err)
	}
	b.Add(alias, priv)
	return priv
}

// Add stores an existing signer.
func (b *Backend) Add(alias string, signer crypto.Signer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, storedKey{alias: alias, signer: signer})
}

// DeclineNext makes the next n sign calls return an empty signature.
func (b *Backend) DeclineNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declines = n
}

// SetUnlock scripts the result of Unlock.
func (b *Backend) SetUnlock(ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlockResult, b.unlockErr = ok, err
}

// FailList makes ListKeys return err.
func (b *Backend) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// FailSign makes Sign return err.
func (b *Backend) FailSign(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signErr = err
}

// Calls returns how often each operation was invoked.
func (b *Backend) Calls() (list, sign, unlock int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls, b.signCalls, b.unlockCalls
}

// LastAlgorithm returns the algorithm name of the most recent sign call.
func (b *Backend) LastAlgorithm() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAlg
}

func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listCalls++
	if b.listErr != nil {
		return nil, b.listErr
	}
	entries := make([]keys.Entry, 0, len(b.keys))
	for _, k := range b.keys {
		e, err := keys.EntryFromPublicKey(k.alias, k.signer.Public())
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *Backend) Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error) {
	b.mu.Lock()
	b.signCalls++
	b.lastAlg = algorithm
	if b.signErr != nil {
		err := b.signErr
		b.mu.Unlock()
		return nil, err
	}
	if b.declines > 0 {
		b.declines--
		b.mu.Unlock()
		return nil, nil
	}
	var signer crypto.Signer
	for _, k := range b.keys {
		if k.alias == alias {
			signer = k.signer
			break
		}
	}
	b.mu.Unlock()

	if signer == nil {
		return nil, fmt.Errorf("bridgetest: no key %q", alias)
	}
	return signWith(signer, algorithm, data)
}

func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlockCalls++
	return b.unlockResult, b.unlockErr
}

func signWith(signer crypto.Signer, algorithm string, data []byte) ([]byte, error) {
	hashes := map[string]crypto.Hash{
		keys.AlgSHA1WithRSA:     crypto.SHA1,
		keys.AlgSHA256WithRSA:   crypto.SHA256,
		keys.AlgSHA512WithRSA:   crypto.SHA512,
		keys.AlgSHA256WithECDSA: crypto.SHA256,
		keys.AlgSHA384WithECDSA: crypto.SHA384,
		keys.AlgSHA512WithECDSA: crypto.SHA512,
	}

	switch priv := signer.(type) {
	case *rsa.PrivateKey:
		if algorithm == keys.AlgNONEWithRSA {
			return rsa.SignPKCS1v15(rand.Reader, priv, 0, data)
		}
		h, ok := hashes[algorithm]
		if !ok || !strings.HasSuffix(algorithm, "RSA") {
			return nil, fmt.Errorf("bridgetest: %s not valid for RSA", algorithm)
		}
		digest := h.New()
		digest.Write(data)
		return rsa.SignPKCS1v15(rand.Reader, priv, h, digest.Sum(nil))

	case *ecdsa.PrivateKey:
		if algorithm == keys.AlgNONEWithECDSA {
			return ecdsa.SignASN1(rand.Reader, priv, data)
		}
		h, ok := hashes[algorithm]
		if !ok || !strings.HasSuffix(algorithm, "ECDSA") {
			return nil, fmt.Errorf("bridgetest: %s not valid for ECDSA", algorithm)
		}
		digest := h.New()
		digest.Write(data)
		return ecdsa.SignASN1(rand.Reader, priv, digest.Sum(nil))

	default:
		return nil, fmt.Errorf("bridgetest: unsupported signer %T", signer)
	}
}
