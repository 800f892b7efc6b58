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
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/ssh"
)

// SSH public key format identifiers.
const (
	SSHKeyTypeRSA   = ssh.KeyAlgoRSA
	sshECDSAPrefix  = "ecdsa-sha2-"
	uncompressedTag = 0x04
)

// SSHKeyType returns the SSH public key format name for the key.
func (k *Key) SSHKeyType() string {
	switch pub := k.Public.(type) {
	case *RSAPublicKey:
		return SSHKeyTypeRSA
	case *ECPublicKey:
		return sshECDSAPrefix + pub.Curve.SSHName()
	default:
		return ""
	}
}

// SSHBlob returns the SSH wire encoding of the public key, without the
// outer length prefix.
//
// RSA keys always get a zero byte in front of the modulus, regardless of
// its high bit. Clients in the field match on this exact blob.
func (k *Key) SSHBlob() []byte {
	switch pub := k.Public.(type) {
	case *RSAPublicKey:
		modulus := make([]byte, 0, len(pub.Modulus)+1)
		modulus = append(modulus, 0x00)
		modulus = append(modulus, pub.Modulus...)
		return ssh.Marshal(struct {
			Name     string
			Exponent []byte
			Modulus  []byte
		}{SSHKeyTypeRSA, pub.Exponent, modulus})

	case *ECPublicKey:
		return ssh.Marshal(struct {
			Name  string
			ID    string
			Point []byte
		}{sshECDSAPrefix + pub.Curve.SSHName(), pub.Curve.SSHName(), pub.uncompressedPoint()})

	default:
		return nil
	}
}

// SSHPublicKey parses the wire blob into an ssh.PublicKey, for display
// purposes such as authorized_keys lines and fingerprints.
func (k *Key) SSHPublicKey() (ssh.PublicKey, error) {
	return ssh.ParsePublicKey(k.SSHBlob())
}

// AuthorizedKey returns an authorized_keys line for the wire blob,
// commented with the alias.
func (k *Key) AuthorizedKey() string {
	return k.SSHKeyType() + " " + base64.StdEncoding.EncodeToString(k.SSHBlob()) + " " + k.Alias
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of the wire blob.
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(k.SSHBlob())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// uncompressedPoint returns 0x04 || X || Y with both coordinates padded to
// the curve size.
func (k *ECPublicKey) uncompressedPoint() []byte {
	size := k.Curve.Size()
	point := make([]byte, 1+2*size)
	point[0] = uncompressedTag
	copy(point[1+size-len(k.X):1+size], k.X)
	copy(point[1+2*size-len(k.Y):], k.Y)
	return point
}
