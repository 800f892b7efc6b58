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
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		name   string
		alg    string
		bits   int
		want   Algorithm
		wantOK bool
	}{
		{"RSA 2048", "RSA", 2048, Algorithm{Family: FamilyRSA}, true},
		{"RSA any size", "RSA", 0, Algorithm{Family: FamilyRSA}, true},
		{"EC 256", "EC", 256, Algorithm{Family: FamilyEC, Curve: CurveP256}, true},
		{"EC 384", "EC", 384, Algorithm{Family: FamilyEC, Curve: CurveP384}, true},
		{"EC 521", "EC", 521, Algorithm{Family: FamilyEC, Curve: CurveP521}, true},
		{"EC 224 unsupported", "EC", 224, Algorithm{}, false},
		{"Ed25519 unsupported", "Ed25519", 256, Algorithm{}, false},
		{"lowercase rsa", "rsa", 2048, Algorithm{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseAlgorithm(tt.alg, tt.bits)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCurveSizes(t *testing.T) {
	assert.Equal(t, 32, CurveP256.Size())
	assert.Equal(t, 48, CurveP384.Size())
	assert.Equal(t, 66, CurveP521.Size())
	assert.Equal(t, 0, Curve(0).Size())
}

func TestRSASSHBlobLayout(t *testing.T) {
	modulus := make([]byte, 256)
	modulus[0] = 0xC1
	for i := 1; i < len(modulus); i++ {
		modulus[i] = byte(i)
	}
	key := &Key{Alias: "rsa", Public: &RSAPublicKey{Modulus: modulus, Exponent: []byte{0x01, 0x00, 0x01}}}

	want := []byte{0, 0, 0, 7}
	want = append(want, "ssh-rsa"...)
	want = append(want, 0, 0, 0, 3, 0x01, 0x00, 0x01)
	want = append(want, 0, 0, 1, 1, 0x00)
	want = append(want, modulus...)

	assert.Equal(t, want, key.SSHBlob())
}

func TestRSASSHBlobAlwaysPrefixesZero(t *testing.T) {
	// High bit clear: the zero byte is still present.
	key := &Key{Alias: "low", Public: &RSAPublicKey{Modulus: []byte{0x41, 0x02}, Exponent: []byte{0x03}}}
	blob := key.SSHBlob()
	assert.True(t, bytes.HasSuffix(blob, []byte{0, 0, 0, 3, 0x00, 0x41, 0x02}))
}

func TestRSASSHBlobUsesListedExponent(t *testing.T) {
	key := &Key{Alias: "e3", Public: &RSAPublicKey{Modulus: []byte{0xC1, 0x02}, Exponent: []byte{0x03}}}

	want := []byte{0, 0, 0, 7}
	want = append(want, "ssh-rsa"...)
	want = append(want, 0, 0, 0, 1, 0x03)
	want = append(want, 0, 0, 0, 3, 0x00, 0xC1, 0x02)
	assert.Equal(t, want, key.SSHBlob())
}

func TestAuthorizedKeyAndFingerprint(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	entry, err := EntryFromPublicKey("laptop-ec", priv.Public())
	require.NoError(t, err)
	key, err := ParseEntry(entry)
	require.NoError(t, err)

	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(key.AuthorizedKey()))
	require.NoError(t, err)
	assert.Equal(t, "laptop-ec", comment)
	assert.Equal(t, key.SSHBlob(), pub.Marshal())
	assert.Equal(t, ssh.FingerprintSHA256(pub), key.Fingerprint())
}

func TestECSSHBlobLayout(t *testing.T) {
	x := bytes.Repeat([]byte{0xAA}, 32)
	y := bytes.Repeat([]byte{0xBB}, 32)
	key := &Key{Alias: "ec", Public: &ECPublicKey{Curve: CurveP256, X: x, Y: y}}

	want := []byte{0, 0, 0, 19}
	want = append(want, "ecdsa-sha2-nistp256"...)
	want = append(want, 0, 0, 0, 8)
	want = append(want, "nistp256"...)
	want = append(want, 0, 0, 0, 65, 0x04)
	want = append(want, x...)
	want = append(want, y...)

	assert.Equal(t, want, key.SSHBlob())
	assert.Equal(t, "ecdsa-sha2-nistp256", key.SSHKeyType())
}

func TestECPoint(t *testing.T) {
	x := bytes.Repeat([]byte{0x11}, 32)
	y := bytes.Repeat([]byte{0x22}, 32)
	pub := &ECPublicKey{Curve: CurveP256, X: x, Y: y}

	point := pub.ECPoint()
	require.Len(t, point, 67)
	assert.Equal(t, byte(0x04), point[0], "OCTET STRING tag")
	assert.Equal(t, byte(65), point[1], "OCTET STRING length")
	assert.Equal(t, byte(0x04), point[2], "uncompressed point marker")
	assert.Equal(t, x, point[3:35])
	assert.Equal(t, y, point[35:])
}

func TestECPointPadsShortCoordinates(t *testing.T) {
	pub := &ECPublicKey{Curve: CurveP384, X: []byte{0x01}, Y: []byte{0x02, 0x03}}
	point := pub.ECPoint()

	content := point[2:]
	require.Len(t, content, 97)
	assert.Equal(t, append(make([]byte, 47), 0x01), content[1:49])
	assert.Equal(t, append(make([]byte, 46), 0x02, 0x03), content[49:])
}

func TestECParams(t *testing.T) {
	tests := []struct {
		curve Curve
		want  string
	}{
		{CurveP256, "06082a8648ce3d030107"},
		{CurveP384, "06052b81040022"},
		{CurveP521, "06052b81040023"},
	}
	for _, tt := range tests {
		t.Run(tt.curve.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, hex.EncodeToString(tt.curve.ECParams()))
		})
	}
}

func TestECParamsAndPointRoundTrip(t *testing.T) {
	for _, curve := range []Curve{CurveP256, CurveP384, CurveP521} {
		t.Run(curve.String(), func(t *testing.T) {
			priv, err := ecdsa.GenerateKey(curve.Elliptic(), rand.Reader)
			require.NoError(t, err)
			entry, err := EntryFromPublicKey("ec", priv.Public())
			require.NoError(t, err)
			key, err := ParseEntry(entry)
			require.NoError(t, err)
			pub := key.Public.(*ECPublicKey)

			got, err := ParseECParams(curve.ECParams())
			require.NoError(t, err)
			assert.Equal(t, curve, got)

			point, err := ParseECPoint(got, pub.ECPoint())
			require.NoError(t, err)
			assert.Equal(t, pub, point)
		})
	}

	_, err := ParseECParams([]byte{0x06, 0x03, 0x2b, 0x65, 0x70})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	_, err = ParseECPoint(CurveP256, []byte{0x04, 0x01, 0x04})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestParseDERSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))
	der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	r, s, err := ParseDERSignature(der)
	require.NoError(t, err)

	fixed, err := FixedSignature(CurveP256, r, s)
	require.NoError(t, err)
	require.Len(t, fixed, 64)
	assert.True(t, ecdsa.Verify(&priv.PublicKey, digest[:],
		new(big.Int).SetBytes(fixed[:32]), new(big.Int).SetBytes(fixed[32:])))
}

func TestParseDERSignatureRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		der  string
	}{
		{"empty", ""},
		{"not a sequence", "020101"},
		{"single integer", "3003020101"},
		{"three integers", "3009020101020102020103"},
		{"trailing data", "300602010102010200"},
		{"octet string member", "3006040101020102"},
		{"negative r", "30060201ff020102"},
		{"zero s", "3006020101020100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := hex.DecodeString(tt.der)
			require.NoError(t, err)
			_, _, err = ParseDERSignature(der)
			assert.ErrorIs(t, err, ErrMalformedSignature)
		})
	}
}

func TestFixedSignaturePadding(t *testing.T) {
	out, err := FixedSignatureFromDER(CurveP521, []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, out, 132)
	assert.Equal(t, byte(0x01), out[65])
	assert.Equal(t, byte(0x02), out[131])
	assert.Equal(t, make([]byte, 65), out[:65])
}

func TestFixedSignatureRejectsOversizedIntegers(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := FixedSignature(CurveP256, tooBig, big.NewInt(1))
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestParseListing(t *testing.T) {
	listing := `[
		{"alias":"rsa","algorithm":"RSA","size":2048,"modulus":"c1ff","exponent":"10001"},
		{"alias":"ec","algorithm":"EC","size":256,"x":"0a","y":"0b"},
		{"alias":"bad-curve","algorithm":"EC","size":192,"x":"0a","y":"0b"},
		{"alias":"bad-hex","algorithm":"RSA","size":2048,"modulus":"zz","exponent":"03"},
		{"alias":"aes","algorithm":"AES","size":256},
		{"alias":"wrong-type","algorithm":"RSA","size":"big"},
		{"alias":"two\nlines","algorithm":"EC","size":256,"x":"0a","y":"0b"},
		{"algorithm":"EC","size":256,"x":"0a","y":"0b"},
		"not an object"
	]`

	parsed, skipped, err := ParseListing([]byte(listing))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Len(t, skipped, 7)

	assert.Equal(t, "rsa", parsed[0].Alias)
	rsaPub, ok := parsed[0].Public.(*RSAPublicKey)
	require.True(t, ok)
	assert.Equal(t, []byte{0xC1, 0xFF}, rsaPub.Modulus)
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, rsaPub.Exponent, "odd-length hex gets a leading zero")

	assert.Equal(t, "ec", parsed[1].Alias)
	assert.Equal(t, FamilyEC, parsed[1].Family())
}

func TestParseListingRejectsNonArray(t *testing.T) {
	for _, doc := range []string{`{"alias":"x"}`, `not json`, ``, `null`} {
		_, _, err := ParseListing([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidListing, doc)
	}
}

func TestParseEntryStripsLeadingZeros(t *testing.T) {
	k, err := ParseEntry(Entry{Alias: "k", Algorithm: "EC", Size: 256, X: "00" + strings.Repeat("ab", 32), Y: "01"})
	require.NoError(t, err)
	pub := k.Public.(*ECPublicKey)
	assert.Len(t, pub.X, 32)
	assert.Equal(t, []byte{0x01}, pub.Y)
}

func TestParseEntryRejectsLongCoordinates(t *testing.T) {
	_, err := ParseEntry(Entry{Alias: "k", Algorithm: "EC", Size: 256, X: strings.Repeat("ab", 33), Y: "01"})
	assert.ErrorIs(t, err, ErrCoordinateTooLong)
}

func TestResolveSignatureAlgorithms(t *testing.T) {
	rsaKey := &Key{Alias: "r", Public: &RSAPublicKey{Modulus: []byte{1}, Exponent: []byte{3}}}
	ecKey := func(c Curve) *Key { return &Key{Alias: "e", Public: &ECPublicKey{Curve: c}} }

	tests := []struct {
		name  string
		key   *Key
		flags uint32
		want  SignatureAlgorithms
	}{
		{"RSA no flags", rsaKey, 0, SignatureAlgorithms{"SHA1withRSA", "ssh-rsa"}},
		{"RSA sha2-256", rsaKey, SignatureFlagRSASHA256, SignatureAlgorithms{"SHA256withRSA", "rsa-sha2-256"}},
		{"RSA sha2-512", rsaKey, SignatureFlagRSASHA512, SignatureAlgorithms{"SHA512withRSA", "rsa-sha2-512"}},
		{"RSA both prefers 256", rsaKey, SignatureFlagRSASHA256 | SignatureFlagRSASHA512, SignatureAlgorithms{"SHA256withRSA", "rsa-sha2-256"}},
		{"P-256 ignores flags", ecKey(CurveP256), SignatureFlagRSASHA512, SignatureAlgorithms{"SHA256withECDSA", "ecdsa-sha2-nistp256"}},
		{"P-384", ecKey(CurveP384), 0, SignatureAlgorithms{"SHA384withECDSA", "ecdsa-sha2-nistp384"}},
		{"P-521", ecKey(CurveP521), 0, SignatureAlgorithms{"SHA512withECDSA", "ecdsa-sha2-nistp521"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveSignatureAlgorithms(tt.key, tt.flags))
		})
	}

	assert.Equal(t, AlgNONEWithRSA, MechanismSignatureAlgorithm(rsaKey))
	assert.Equal(t, AlgNONEWithECDSA, MechanismSignatureAlgorithm(ecKey(CurveP384)))
}

// Both encoding paths must agree on the public components of every key.
func TestPublicComponentsAgreeAcrossEncodings(t *testing.T) {
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubs := map[string]any{"rsa": &rsaPriv.PublicKey}
	for name, curve := range map[string]elliptic.Curve{"p256": elliptic.P256(), "p384": elliptic.P384(), "p521": elliptic.P521()} {
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		require.NoError(t, err)
		pubs[name] = &priv.PublicKey
	}

	for alias, pub := range pubs {
		t.Run(alias, func(t *testing.T) {
			entry, err := EntryFromPublicKey(alias, pub)
			require.NoError(t, err)
			key, err := ParseEntry(entry)
			require.NoError(t, err)

			sshPub, err := key.SSHPublicKey()
			require.NoError(t, err)
			cryptoPub, err := key.CryptoPublicKey()
			require.NoError(t, err)
			equal := pub.(interface{ Equal(crypto.PublicKey) bool })
			assert.True(t, equal.Equal(sshPub.(ssh.CryptoPublicKey).CryptoPublicKey()))
			assert.True(t, equal.Equal(cryptoPub))

			switch p := key.Public.(type) {
			case *RSAPublicKey:
				blob := key.SSHBlob()
				assert.True(t, bytes.HasSuffix(blob, append([]byte{0x00}, p.Modulus...)))
			case *ECPublicKey:
				point := p.ECPoint()
				assert.True(t, bytes.HasSuffix(key.SSHBlob(), point[len(point)-(1+2*p.Curve.Size()):]))
			}
		})
	}
}

func TestEntryFromPublicKeyRejectsUnknown(t *testing.T) {
	_, err := EntryFromPublicKey("x", "not a key")
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}
