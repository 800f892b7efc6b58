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

// SSH agent sign request flags.
const (
	SignatureFlagRSASHA256 uint32 = 0x02
	SignatureFlagRSASHA512 uint32 = 0x04
)

// Backend signature algorithm names.
const (
	AlgSHA1WithRSA     = "SHA1withRSA"
	AlgSHA256WithRSA   = "SHA256withRSA"
	AlgSHA512WithRSA   = "SHA512withRSA"
	AlgSHA256WithECDSA = "SHA256withECDSA"
	AlgSHA384WithECDSA = "SHA384withECDSA"
	AlgSHA512WithECDSA = "SHA512withECDSA"
	AlgNONEWithRSA     = "NONEwithRSA"
	AlgNONEWithECDSA   = "NONEwithECDSA"
)

// SignatureAlgorithms pairs the backend algorithm name with the SSH
// signature format name it produces.
type SignatureAlgorithms struct {
	Backend string
	SSH     string
}

// ResolveSignatureAlgorithms picks the algorithm names for an SSH agent
// sign request. RSA keys honour the SHA-2 request flags, with SHA-256
// taking precedence. EC keys are fixed by their curve.
func ResolveSignatureAlgorithms(k *Key, flags uint32) SignatureAlgorithms {
	switch pub := k.Public.(type) {
	case *RSAPublicKey:
		switch {
		case flags&SignatureFlagRSASHA256 != 0:
			return SignatureAlgorithms{AlgSHA256WithRSA, "rsa-sha2-256"}
		case flags&SignatureFlagRSASHA512 != 0:
			return SignatureAlgorithms{AlgSHA512WithRSA, "rsa-sha2-512"}
		default:
			return SignatureAlgorithms{AlgSHA1WithRSA, "ssh-rsa"}
		}
	case *ECPublicKey:
		switch pub.Curve {
		case CurveP256:
			return SignatureAlgorithms{AlgSHA256WithECDSA, "ecdsa-sha2-nistp256"}
		case CurveP384:
			return SignatureAlgorithms{AlgSHA384WithECDSA, "ecdsa-sha2-nistp384"}
		case CurveP521:
			return SignatureAlgorithms{AlgSHA512WithECDSA, "ecdsa-sha2-nistp521"}
		}
	}
	return SignatureAlgorithms{}
}

// MechanismSignatureAlgorithm returns the backend algorithm for PKCS#11
// raw mechanisms, where the caller supplies the already hashed (and for
// RSA, DigestInfo wrapped) input.
func MechanismSignatureAlgorithm(k *Key) string {
	switch k.Family() {
	case FamilyRSA:
		return AlgNONEWithRSA
	case FamilyEC:
		return AlgNONEWithECDSA
	default:
		return ""
	}
}
