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

package keys

// PublicKey is the algorithm-specific public half of a backend key.
// The set of implementations is closed: *RSAPublicKey and *ECPublicKey.
type PublicKey interface {
	Algorithm() Algorithm
	isPublicKey()
}

// RSAPublicKey holds big-endian modulus and exponent bytes without
// leading zeros.
type RSAPublicKey struct {
	Modulus  []byte
	Exponent []byte
}

func (*RSAPublicKey) Algorithm() Algorithm { return Algorithm{Family: FamilyRSA} }
func (*RSAPublicKey) isPublicKey()         {}

// ECPublicKey holds affine coordinates without leading zeros. Neither
// coordinate is longer than Curve.Size().
type ECPublicKey struct {
	Curve Curve
	X     []byte
	Y     []byte
}

func (k *ECPublicKey) Algorithm() Algorithm { return Algorithm{Family: FamilyEC, Curve: k.Curve} }
func (*ECPublicKey) isPublicKey()           {}

// Key is a backend key identified by its alias. Keys are immutable after
// parsing and safe to share between goroutines.
type Key struct {
	Alias  string
	Public PublicKey
}

// Algorithm returns the key's algorithm.
func (k *Key) Algorithm() Algorithm {
	return k.Public.Algorithm()
}

// Family returns the key's algorithm family.
func (k *Key) Family() Family {
	return k.Public.Algorithm().Family
}
