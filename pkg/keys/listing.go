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

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-keyagent/pkg/validation"
)

// Entry is one element of the backend key listing. Numeric components are
// big-endian hex strings.
type Entry struct {
	Alias     string `json:"alias"`
	Algorithm string `json:"algorithm"`
	Size      int    `json:"size"`
	Modulus   string `json:"modulus,omitempty"`
	Exponent  string `json:"exponent,omitempty"`
	X         string `json:"x,omitempty"`
	Y         string `json:"y,omitempty"`
}

// DecodeListing decodes a JSON key listing into entries. The document must
// be an array; elements that are not entry objects are skipped and
// reported in skipped.
func DecodeListing(data []byte) (entries []Entry, skipped []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	if raw == nil {
		return nil, nil, fmt.Errorf("%w: null document", ErrInvalidListing)
	}
	entries = make([]Entry, 0, len(raw))
	for i, r := range raw {
		var e Entry
		if err := json.Unmarshal(r, &e); err != nil {
			skipped = append(skipped, fmt.Errorf("%w: element %d: %v", ErrInvalidEntry, i, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

// ParseListing decodes a JSON key listing and parses every entry. Entries
// that cannot be decoded or parsed are skipped and reported in skipped.
func ParseListing(data []byte) (parsed []*Key, skipped []error, err error) {
	entries, skipped, err := DecodeListing(data)
	if err != nil {
		return nil, nil, err
	}
	parsed, rest := ParseEntries(entries)
	return parsed, append(skipped, rest...), nil
}

// ParseEntries converts listing entries into keys, preserving order.
// Entries that do not describe a supported key are skipped.
func ParseEntries(entries []Entry) (parsed []*Key, skipped []error) {
	parsed = make([]*Key, 0, len(entries))
	for _, e := range entries {
		k, err := ParseEntry(e)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		parsed = append(parsed, k)
	}
	return parsed, skipped
}

// ParseEntry converts a single listing entry into a Key.
func ParseEntry(e Entry) (*Key, error) {
	if err := validation.ValidateAlias(e.Alias); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	alg, ok := ParseAlgorithm(e.Algorithm, e.Size)
	if !ok {
		return nil, fmt.Errorf("%w: %q: %s/%d", ErrUnsupportedAlgorithm, e.Alias, e.Algorithm, e.Size)
	}

	switch alg.Family {
	case FamilyRSA:
		modulus, err := decodeHex(e.Modulus)
		if err != nil || len(modulus) == 0 {
			return nil, fmt.Errorf("%w: %q: bad modulus", ErrInvalidEntry, e.Alias)
		}
		exponent, err := decodeHex(e.Exponent)
		if err != nil || len(exponent) == 0 {
			return nil, fmt.Errorf("%w: %q: bad exponent", ErrInvalidEntry, e.Alias)
		}
		return &Key{Alias: e.Alias, Public: &RSAPublicKey{Modulus: modulus, Exponent: exponent}}, nil

	default:
		x, err := decodeHex(e.X)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad x", ErrInvalidEntry, e.Alias)
		}
		y, err := decodeHex(e.Y)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad y", ErrInvalidEntry, e.Alias)
		}
		if len(x) > alg.Curve.Size() || len(y) > alg.Curve.Size() {
			return nil, fmt.Errorf("%w: %q", ErrCoordinateTooLong, e.Alias)
		}
		return &Key{Alias: e.Alias, Public: &ECPublicKey{Curve: alg.Curve, X: x, Y: y}}, nil
	}
}

// decodeHex decodes a big-endian hex integer. An odd number of digits is
// accepted as if a leading zero were present. Leading zero bytes are
// removed from the result.
func decodeHex(s string) ([]byte, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return bytes.TrimLeft(b, "\x00"), nil
}

// EntryFromPublicKey builds a listing entry for a Go public key. It is used
// by backends whose SDKs return parsed keys instead of a hex listing.
func EntryFromPublicKey(alias string, pub crypto.PublicKey) (Entry, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return Entry{
			Alias:     alias,
			Algorithm: "RSA",
			Size:      k.N.BitLen(),
			Modulus:   hex.EncodeToString(k.N.Bytes()),
			Exponent:  hex.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		return Entry{
			Alias:     alias,
			Algorithm: "EC",
			Size:      k.Curve.Params().BitSize,
			X:         hex.EncodeToString(k.X.Bytes()),
			Y:         hex.EncodeToString(k.Y.Bytes()),
		}, nil
	default:
		return Entry{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// CryptoPublicKey returns the key as a standard library public key.
func (k *Key) CryptoPublicKey() (crypto.PublicKey, error) {
	switch pub := k.Public.(type) {
	case *RSAPublicKey:
		e := new(big.Int).SetBytes(pub.Exponent)
		if !e.IsInt64() || e.Int64() > int64(^uint32(0)>>1) {
			return nil, fmt.Errorf("%w: exponent too large", ErrUnsupportedKey)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(pub.Modulus), E: int(e.Int64())}, nil
	case *ECPublicKey:
		return &ecdsa.PublicKey{
			Curve: pub.Curve.Elliptic(),
			X:     new(big.Int).SetBytes(pub.X),
			Y:     new(big.Int).SetBytes(pub.Y),
		}, nil
	default:
		return nil, ErrUnsupportedKey
	}
}
