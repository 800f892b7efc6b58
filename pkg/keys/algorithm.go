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
	"crypto/elliptic"
	"encoding/asn1"
)

// Family is the key algorithm family.
type Family uint8

const (
	FamilyRSA Family = iota + 1
	FamilyEC
)

func (f Family) String() string {
	switch f {
	case FamilyRSA:
		return "RSA"
	case FamilyEC:
		return "EC"
	default:
		return "unknown"
	}
}

// Curve identifies one of the supported NIST curves.
type Curve uint8

const (
	CurveP256 Curve = iota + 1
	CurveP384
	CurveP521
)

var (
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// Size returns the byte length L of a coordinate or signature half.
func (c Curve) Size() int {
	switch c {
	case CurveP256:
		return 32
	case CurveP384:
		return 48
	case CurveP521:
		return 66
	default:
		return 0
	}
}

// Bits returns the curve size in bits as reported by the backend.
func (c Curve) Bits() int {
	switch c {
	case CurveP256:
		return 256
	case CurveP384:
		return 384
	case CurveP521:
		return 521
	default:
		return 0
	}
}

// SSHName returns the curve identifier used in SSH wire formats.
func (c Curve) SSHName() string {
	switch c {
	case CurveP256:
		return "nistp256"
	case CurveP384:
		return "nistp384"
	case CurveP521:
		return "nistp521"
	default:
		return ""
	}
}

// OID returns the named curve object identifier.
func (c Curve) OID() asn1.ObjectIdentifier {
	switch c {
	case CurveP256:
		return oidP256
	case CurveP384:
		return oidP384
	case CurveP521:
		return oidP521
	default:
		return nil
	}
}

// Elliptic returns the standard library curve.
func (c Curve) Elliptic() elliptic.Curve {
	switch c {
	case CurveP256:
		return elliptic.P256()
	case CurveP384:
		return elliptic.P384()
	case CurveP521:
		return elliptic.P521()
	default:
		return nil
	}
}

func (c Curve) String() string {
	switch c {
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	case CurveP521:
		return "P-521"
	default:
		return "unknown"
	}
}

func curveFromBits(bits int) (Curve, bool) {
	switch bits {
	case 256:
		return CurveP256, true
	case 384:
		return CurveP384, true
	case 521:
		return CurveP521, true
	default:
		return 0, false
	}
}

// Algorithm is a key family plus, for EC keys, the curve.
type Algorithm struct {
	Family Family
	Curve  Curve
}

// ParseAlgorithm maps a backend algorithm name and key size onto an
// Algorithm. RSA is size-independent. EC requires a supported curve size.
func ParseAlgorithm(name string, bits int) (Algorithm, bool) {
	switch name {
	case "RSA":
		return Algorithm{Family: FamilyRSA}, true
	case "EC":
		curve, ok := curveFromBits(bits)
		if !ok {
			return Algorithm{}, false
		}
		return Algorithm{Family: FamilyEC, Curve: curve}, true
	default:
		return Algorithm{}, false
	}
}
