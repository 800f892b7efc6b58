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
	"encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ECPoint returns the CKA_EC_POINT value: a DER OCTET STRING wrapping the
// uncompressed point.
func (k *ECPublicKey) ECPoint() []byte {
	var b cryptobyte.Builder
	b.AddASN1OctetString(k.uncompressedPoint())
	return b.BytesOrPanic()
}

// ECParams returns the CKA_EC_PARAMS value: the DER encoded named curve
// object identifier.
func (c Curve) ECParams() []byte {
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(c.OID())
	return b.BytesOrPanic()
}

// ParseECParams maps a CKA_EC_PARAMS named curve back to its Curve.
func ParseECParams(der []byte) (Curve, error) {
	var oid asn1.ObjectIdentifier
	input := cryptobyte.String(der)
	if !input.ReadASN1ObjectIdentifier(&oid) || !input.Empty() {
		return 0, fmt.Errorf("%w: malformed EC parameters", ErrUnsupportedAlgorithm)
	}
	for _, c := range []Curve{CurveP256, CurveP384, CurveP521} {
		if c.OID().Equal(oid) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, oid)
}

// ParseECPoint decodes a CKA_EC_POINT value for curve.
func ParseECPoint(curve Curve, der []byte) (*ECPublicKey, error) {
	var point cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&point, cbasn1.OCTET_STRING) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed EC point", ErrInvalidEntry)
	}
	size := curve.Size()
	if size == 0 || len(point) != 1+2*size || point[0] != uncompressedTag {
		return nil, fmt.Errorf("%w: EC point is not an uncompressed %s point", ErrInvalidEntry, curve)
	}
	return &ECPublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(point[1 : 1+size]).Bytes(),
		Y:     new(big.Int).SetBytes(point[1+size:]).Bytes(),
	}, nil
}

// ParseDERSignature decodes an ECDSA signature of the form
// SEQUENCE { INTEGER r, INTEGER s }. Trailing data, extra elements or
// non-positive integers are rejected.
func ParseDERSignature(der []byte) (r, s *big.Int, err error) {
	r, s = new(big.Int), new(big.Int)
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, ErrMalformedSignature
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return nil, nil, ErrMalformedSignature
	}
	return r, s, nil
}

// FixedSignature encodes r and s as r || s, each left-padded with zeros to
// the curve size. This is the PKCS#11 CKM_ECDSA output format.
func FixedSignature(curve Curve, r, s *big.Int) ([]byte, error) {
	size := curve.Size()
	if size == 0 {
		return nil, ErrUnsupportedAlgorithm
	}
	if r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, fmt.Errorf("%w: integer exceeds %s size", ErrMalformedSignature, curve)
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// FixedSignatureFromDER decodes a DER ECDSA signature and re-encodes it as
// fixed-width r || s for the given curve.
func FixedSignatureFromDER(curve Curve, der []byte) ([]byte, error) {
	r, s, err := ParseDERSignature(der)
	if err != nil {
		return nil, err
	}
	return FixedSignature(curve, r, s)
}
