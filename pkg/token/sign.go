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

package token

import (
	"context"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
)

// SignInit selects obj for the next Sign. CKM_RSA_PKCS needs an RSA key
// and CKM_ECDSA an EC key; the backend is not contacted.
func (m *Module) SignInit(h session.Handle, mechanism uint, obj uint) error {
	sess, err := m.session(h)
	if err != nil {
		return err
	}
	key, err := m.object(sess, obj)
	if err != nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}

	var want keys.Family
	switch mechanism {
	case pkcs11.CKM_RSA_PKCS:
		want = keys.FamilyRSA
	case pkcs11.CKM_ECDSA:
		want = keys.FamilyEC
	default:
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	if key.Family() != want {
		return pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	return sess.SignInit(objectIndex(obj))
}

// Sign signs data with the key selected by SignInit and returns the
// signature length. A nil out only reports the length and a short out
// fails with CKR_BUFFER_TOO_SMALL; both keep the operation pending. Any
// other outcome ends it. The backend is called every time.
//
// RSA signatures are returned as produced. ECDSA signatures are converted
// from DER to the fixed-width r||s form.
func (m *Module) Sign(ctx context.Context, h session.Handle, data, out []byte) (int, error) {
	sess, err := m.session(h)
	if err != nil {
		return 0, err
	}
	key, ok := sess.SignKey()
	if !ok {
		return 0, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}

	ctx = m.context(ctx, h)
	sig, err := m.sign(ctx, key, data)
	if err != nil {
		sess.ResetSign()
		m.logger.WarnContext(ctx, "token: sign failed",
			logger.String("alias", key.Alias), logger.Error(err))
		return 0, pkcs11.Error(pkcs11.CKR_GENERAL_ERROR)
	}

	if out == nil {
		return len(sig), nil
	}
	if len(out) < len(sig) {
		return len(sig), pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL)
	}
	sess.ResetSign()
	return copy(out, sig), nil
}

func (m *Module) sign(ctx context.Context, key *keys.Key, data []byte) ([]byte, error) {
	sig, err := m.backend.Sign(ctx, key.Alias, keys.MechanismSignatureAlgorithm(key), data)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		return nil, errEmptySignature
	}
	if pub, ok := key.Public.(*keys.ECPublicKey); ok {
		return keys.FixedSignatureFromDER(pub.Curve, sig)
	}
	return sig, nil
}
