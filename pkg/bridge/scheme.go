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

package bridge

import (
	"bytes"
	"crypto"
	"fmt"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// Scheme describes what a backend algorithm name asks for.
type Scheme struct {
	Family keys.Family

	// Hash is the digest algorithm. For prehashed schemes it is resolved
	// from the input by Digest.
	Hash crypto.Hash

	// Prehashed is true for the NONEwith* names, where the input already
	// is a digest (ECDSA) or a DigestInfo (RSA).
	Prehashed bool
}

// ParseScheme maps a backend algorithm name onto a Scheme.
func ParseScheme(algorithm string) (Scheme, error) {
	switch algorithm {
	case keys.AlgSHA1WithRSA:
		return Scheme{Family: keys.FamilyRSA, Hash: crypto.SHA1}, nil
	case keys.AlgSHA256WithRSA:
		return Scheme{Family: keys.FamilyRSA, Hash: crypto.SHA256}, nil
	case keys.AlgSHA512WithRSA:
		return Scheme{Family: keys.FamilyRSA, Hash: crypto.SHA512}, nil
	case keys.AlgSHA256WithECDSA:
		return Scheme{Family: keys.FamilyEC, Hash: crypto.SHA256}, nil
	case keys.AlgSHA384WithECDSA:
		return Scheme{Family: keys.FamilyEC, Hash: crypto.SHA384}, nil
	case keys.AlgSHA512WithECDSA:
		return Scheme{Family: keys.FamilyEC, Hash: crypto.SHA512}, nil
	case keys.AlgNONEWithRSA:
		return Scheme{Family: keys.FamilyRSA, Prehashed: true}, nil
	case keys.AlgNONEWithECDSA:
		return Scheme{Family: keys.FamilyEC, Prehashed: true}, nil
	default:
		return Scheme{}, fmt.Errorf("%w: %s", ErrUnsupported, algorithm)
	}
}

// DigestInfo prefixes from RFC 8017 section 9.2, note 1.
var digestInfoPrefixes = []struct {
	hash   crypto.Hash
	prefix []byte
}{
	{crypto.SHA1, []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14}},
	{crypto.SHA256, []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}},
	{crypto.SHA384, []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30}},
	{crypto.SHA512, []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}},
}

// ParseDigestInfo splits a PKCS#1 DigestInfo into its hash and digest.
func ParseDigestInfo(data []byte) (crypto.Hash, []byte, error) {
	for _, p := range digestInfoPrefixes {
		if len(data) == len(p.prefix)+p.hash.Size() && bytes.HasPrefix(data, p.prefix) {
			return p.hash, data[len(p.prefix):], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: unrecognized DigestInfo", ErrUnsupported)
}

// Digest resolves a prehashed input into its hash and raw digest. RSA
// input must be a DigestInfo; ECDSA input is sized to a SHA-2 digest.
func (s Scheme) Digest(data []byte) (crypto.Hash, []byte, error) {
	if !s.Prehashed {
		return s.Hash, data, nil
	}
	if s.Family == keys.FamilyRSA {
		return ParseDigestInfo(data)
	}
	switch len(data) {
	case crypto.SHA256.Size():
		return crypto.SHA256, data, nil
	case crypto.SHA384.Size():
		return crypto.SHA384, data, nil
	case crypto.SHA512.Size():
		return crypto.SHA512, data, nil
	default:
		return 0, nil, fmt.Errorf("%w: %d byte ECDSA digest", ErrUnsupported, len(data))
	}
}
