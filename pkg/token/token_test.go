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

package token_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/bridgetest"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
	"github.com/jeremyhahn/go-keyagent/pkg/token"
)

var sha256DigestInfo = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}

type fixture struct {
	backend *bridgetest.Backend
	module  *token.Module
	rsa     *rsa.PrivateKey
	ec      *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bridgetest.New()
	f := &fixture{backend: b}
	f.rsa = b.AddRSA("laptop-rsa", 2048)
	f.ec = b.AddECDSA("laptop-ec", elliptic.P256())
	f.module = token.New(bridge.NewClient(b, nil),
		token.WithLabel("test token"), token.WithLibraryVersion(1, 2))
	return f
}

func (f *fixture) open(t *testing.T) session.Handle {
	t.Helper()
	h, err := f.module.OpenSession(context.Background(), token.SlotID, pkcs11.CKF_SERIAL_SESSION)
	require.NoError(t, err)
	return h
}

func ckr(code uint) error {
	return pkcs11.Error(code)
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.module.Initialize())
	defer func() { assert.NoError(t, f.module.Finalize()) }()

	info := f.module.Info()
	assert.Equal(t, pkcs11.Version{Major: 2, Minor: 40}, info.CryptokiVersion)
	assert.Equal(t, pkcs11.Version{Major: 1, Minor: 2}, info.LibraryVersion)
	assert.Equal(t, token.DefaultManufacturer, info.ManufacturerID)

	assert.Equal(t, []uint{10}, f.module.SlotList())

	slot, err := f.module.SlotInfo(token.SlotID)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKF_TOKEN_PRESENT|pkcs11.CKF_HW_SLOT), slot.Flags)

	_, err = f.module.SlotInfo(11)
	assert.Equal(t, ckr(pkcs11.CKR_SLOT_ID_INVALID), err)
}

func TestTokenInfoCountsSessions(t *testing.T) {
	f := newFixture(t)

	info, err := f.module.TokenInfo(token.SlotID)
	require.NoError(t, err)
	assert.Equal(t, "test token", info.Label)
	assert.Equal(t, uint(pkcs11.CKF_TOKEN_INITIALIZED), info.Flags)
	assert.Equal(t, uint(0), info.SessionCount)
	assert.Equal(t, uint(0), info.MaxPinLen)
	assert.Equal(t, uint(pkcs11.CK_UNAVAILABLE_INFORMATION), info.TotalPublicMemory)
	assert.Equal(t, uint(pkcs11.CK_UNAVAILABLE_INFORMATION), info.FreePrivateMemory)

	f.open(t)
	f.open(t)
	info, err = f.module.TokenInfo(token.SlotID)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.SessionCount)
	assert.Equal(t, uint(2), info.RwSessionCount)

	_, err = f.module.TokenInfo(0)
	assert.Equal(t, ckr(pkcs11.CKR_SLOT_ID_INVALID), err)
}

func TestOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.module.OpenSession(ctx, 3, pkcs11.CKF_SERIAL_SESSION)
	assert.Equal(t, ckr(pkcs11.CKR_SLOT_ID_INVALID), err)

	_, err = f.module.OpenSession(ctx, token.SlotID, pkcs11.CKF_RW_SESSION)
	assert.Equal(t, ckr(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED), err)

	h1 := f.open(t)
	h2 := f.open(t)
	assert.Equal(t, session.Handle(1), h1)
	assert.Equal(t, session.Handle(2), h2)

	require.NoError(t, f.module.CloseSession(h1))
	assert.Equal(t, session.Handle(1), f.open(t))

	assert.Equal(t, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID), f.module.CloseSession(42))
}

func TestOpenSessionBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.FailList(errors.New("unreachable"))

	_, err := f.module.OpenSession(context.Background(), token.SlotID, pkcs11.CKF_SERIAL_SESSION)
	assert.Equal(t, ckr(pkcs11.CKR_GENERAL_ERROR), err)
	assert.Equal(t, 0, f.module.SessionCount())
}

func findAll(t *testing.T, m *token.Module, h session.Handle, template []*pkcs11.Attribute) []uint {
	t.Helper()
	require.NoError(t, m.FindObjectsInit(h, template))
	objs, err := m.FindObjects(h, 100)
	require.NoError(t, err)
	require.NoError(t, m.FindObjectsFinal(h))
	return objs
}

func TestFindObjects(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	tests := []struct {
		name     string
		template []*pkcs11.Attribute
		want     []uint
	}{
		{"empty template", nil, []uint{}},
		{"sign only", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_SIGN, true)}, []uint{}},
		{"private keys", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}, []uint{1, 2}},
		{"public keys with sign", []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		}, []uint{1, 2}},
		{"id without class", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_ID, "laptop-ec")}, []uint{}},
		{"by id", []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, "laptop-ec"),
		}, []uint{2}},
		{"by label", []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, "laptop-rsa"),
		}, []uint{1}},
		{"unknown alias", []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, "nope"),
		}, []uint{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, findAll(t, f.module, h, tt.template))
		})
	}
}

func TestFindObjectsInBatches(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	keyClass := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	require.NoError(t, f.module.FindObjectsInit(h, keyClass))
	objs, err := f.module.FindObjects(h, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, objs)
	objs, err = f.module.FindObjects(h, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, objs)
	objs, err = f.module.FindObjects(h, 5)
	require.NoError(t, err)
	assert.Empty(t, objs)

	require.NoError(t, f.module.FindObjectsFinal(h))
	objs, err = f.module.FindObjects(h, 5)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestFindObjectsInitRejects(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	tests := []struct {
		name     string
		template []*pkcs11.Attribute
		want     error
	}{
		{"certificate class", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)}, ckr(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)},
		{"short class", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, []byte{3})}, ckr(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)},
		{"invalid utf-8 id", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{0xff, 0xfe})}, ckr(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)},
		{"key type", []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA)}, ckr(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.module.FindObjectsInit(h, tt.template))
		})
	}

	assert.Equal(t, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID), f.module.FindObjectsInit(99, nil))
	_, err := f.module.FindObjects(99, 1)
	assert.Equal(t, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID), err)
	assert.NoError(t, f.module.FindObjectsFinal(99))
}

func TestGetAttributeValueRSA(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	attrs, err := f.module.GetAttributeValue(h, 1, []uint{
		pkcs11.CKA_KEY_TYPE,
		pkcs11.CKA_LABEL,
		pkcs11.CKA_ID,
		pkcs11.CKA_MODULUS,
		pkcs11.CKA_PUBLIC_EXPONENT,
		pkcs11.CKA_ALWAYS_AUTHENTICATE,
	})
	require.NoError(t, err)
	require.Len(t, attrs, 6)

	assert.Equal(t, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA).Value, attrs[0].Value)
	assert.Equal(t, []byte("laptop-rsa"), attrs[1].Value)
	assert.Equal(t, []byte("laptop-rsa"), attrs[2].Value)
	assert.Equal(t, f.rsa.N.Bytes(), attrs[3].Value)
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, attrs[4].Value)
	assert.Equal(t, []byte{0}, attrs[5].Value)
}

func TestGetAttributeValueEC(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	attrs, err := f.module.GetAttributeValue(h, 2, []uint{
		pkcs11.CKA_KEY_TYPE,
		pkcs11.CKA_EC_PARAMS,
		pkcs11.CKA_EC_POINT,
	})
	require.NoError(t, err)

	assert.Equal(t, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC).Value, attrs[0].Value)
	assert.Equal(t, []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}, attrs[1].Value)

	point := attrs[2].Value
	require.Len(t, point, 2+65)
	assert.Equal(t, []byte{0x04, 0x41, 0x04}, point[:3])
	x, y := elliptic.Unmarshal(elliptic.P256(), point[2:])
	assert.Equal(t, 0, f.ec.X.Cmp(x))
	assert.Equal(t, 0, f.ec.Y.Cmp(y))
}

func TestGetAttributeValueBestEffort(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	attrs, err := f.module.GetAttributeValue(h, 1, []uint{
		pkcs11.CKA_EC_POINT,
		pkcs11.CKA_LABEL,
		pkcs11.CKA_VALUE,
		pkcs11.CKA_MODULUS,
	})
	assert.Equal(t, ckr(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID), err)
	require.Len(t, attrs, 4)
	assert.Nil(t, attrs[0].Value)
	assert.Equal(t, []byte("laptop-rsa"), attrs[1].Value)
	assert.Nil(t, attrs[2].Value)
	assert.NotEmpty(t, attrs[3].Value)
}

func TestGetAttributeValueHandles(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	_, err := f.module.GetAttributeValue(77, 1, []uint{pkcs11.CKA_LABEL})
	assert.Equal(t, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID), err)
	_, err = f.module.GetAttributeValue(h, 0, []uint{pkcs11.CKA_LABEL})
	assert.Equal(t, ckr(pkcs11.CKR_OBJECT_HANDLE_INVALID), err)
	_, err = f.module.GetAttributeValue(h, 3, []uint{pkcs11.CKA_LABEL})
	assert.Equal(t, ckr(pkcs11.CKR_OBJECT_HANDLE_INVALID), err)
}

func TestSignInit(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	tests := []struct {
		name      string
		session   session.Handle
		mechanism uint
		object    uint
		want      error
	}{
		{"rsa pkcs", h, pkcs11.CKM_RSA_PKCS, 1, nil},
		{"ecdsa", h, pkcs11.CKM_ECDSA, 2, nil},
		{"ecdsa on rsa key", h, pkcs11.CKM_ECDSA, 1, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)},
		{"rsa on ec key", h, pkcs11.CKM_RSA_PKCS, 2, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)},
		{"unsupported mechanism", h, pkcs11.CKM_SHA256_RSA_PKCS, 1, ckr(pkcs11.CKR_MECHANISM_INVALID)},
		{"unknown key", h, pkcs11.CKM_RSA_PKCS, 9, ckr(pkcs11.CKR_KEY_HANDLE_INVALID)},
		{"unknown session", 50, pkcs11.CKM_RSA_PKCS, 1, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.module.SignInit(tt.session, tt.mechanism, tt.object)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.want, err)
			}
		})
	}

	_, signs, _ := f.backend.Calls()
	assert.Equal(t, 0, signs)
}

func TestSignRSA(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	ctx := context.Background()

	digest := sha256.Sum256([]byte("message"))
	input := append(append([]byte{}, sha256DigestInfo...), digest[:]...)

	require.NoError(t, f.module.SignInit(h, pkcs11.CKM_RSA_PKCS, 1))

	n, err := f.module.Sign(ctx, h, input, nil)
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	n, err = f.module.Sign(ctx, h, input, make([]byte, 10))
	assert.Equal(t, ckr(pkcs11.CKR_BUFFER_TOO_SMALL), err)
	assert.Equal(t, 256, n)

	out := make([]byte, 512)
	n, err = f.module.Sign(ctx, h, input, out)
	require.NoError(t, err)
	require.Equal(t, 256, n)
	assert.NoError(t, rsa.VerifyPKCS1v15(&f.rsa.PublicKey, crypto.Hash(0), input, out[:n]))
	assert.Equal(t, "NONEwithRSA", f.backend.LastAlgorithm())

	_, signs, _ := f.backend.Calls()
	assert.Equal(t, 3, signs)

	_, err = f.module.Sign(ctx, h, input, out)
	assert.Equal(t, ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)
}

func TestSignECDSA(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	ctx := context.Background()

	digest := sha256.Sum256([]byte("message"))
	require.NoError(t, f.module.SignInit(h, pkcs11.CKM_ECDSA, 2))

	out := make([]byte, 64)
	n, err := f.module.Sign(ctx, h, digest[:], out)
	require.NoError(t, err)
	require.Equal(t, 64, n)
	assert.Equal(t, "NONEwithECDSA", f.backend.LastAlgorithm())

	r := new(big.Int).SetBytes(out[:32])
	s := new(big.Int).SetBytes(out[32:])
	assert.True(t, ecdsa.Verify(&f.ec.PublicKey, digest[:], r, s))
}

func TestSignFailures(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	ctx := context.Background()
	digest := sha256.Sum256([]byte("message"))

	_, err := f.module.Sign(ctx, 31, digest[:], nil)
	assert.Equal(t, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID), err)

	t.Run("declined", func(t *testing.T) {
		f.backend.DeclineNext(2)
		require.NoError(t, f.module.SignInit(h, pkcs11.CKM_ECDSA, 2))
		_, err := f.module.Sign(ctx, h, digest[:], make([]byte, 64))
		assert.Equal(t, ckr(pkcs11.CKR_GENERAL_ERROR), err)

		_, err = f.module.Sign(ctx, h, digest[:], make([]byte, 64))
		assert.Equal(t, ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)
	})

	t.Run("transport", func(t *testing.T) {
		f.backend.FailSign(errors.New("broken pipe"))
		require.NoError(t, f.module.SignInit(h, pkcs11.CKM_ECDSA, 2))
		_, err := f.module.Sign(ctx, h, digest[:], make([]byte, 64))
		assert.Equal(t, ckr(pkcs11.CKR_GENERAL_ERROR), err)
	})
}

func TestConcurrentSessions(t *testing.T) {
	f := newFixture(t)
	digest := sha256.Sum256([]byte("message"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			h, err := f.module.OpenSession(ctx, token.SlotID, pkcs11.CKF_SERIAL_SESSION)
			if !assert.NoError(t, err) {
				return
			}
			defer func() { assert.NoError(t, f.module.CloseSession(h)) }()
			assert.NoError(t, f.module.SignInit(h, pkcs11.CKM_ECDSA, 2))
			_, err = f.module.Sign(ctx, h, digest[:], make([]byte, 64))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, f.module.SessionCount())
}
