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
	"encoding/binary"
	"unicode/utf8"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
)

// Object handles are the snapshot index plus one; zero is never issued.

func objectHandle(index int) uint {
	return uint(index) + 1
}

func objectIndex(obj uint) int {
	return int(obj) - 1
}

func (m *Module) object(sess *session.Session, obj uint) (*keys.Key, error) {
	if obj == 0 {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	key, err := sess.Key(objectIndex(obj))
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	return key, nil
}

// GetAttributeValue resolves each requested attribute type of obj. The
// result has one entry per type; entries that cannot be resolved carry a
// nil Value and make the call return CKR_ATTRIBUTE_TYPE_INVALID once
// every other entry has been filled.
func (m *Module) GetAttributeValue(h session.Handle, obj uint, types []uint) ([]*pkcs11.Attribute, error) {
	sess, err := m.session(h)
	if err != nil {
		return nil, err
	}
	key, err := m.object(sess, obj)
	if err != nil {
		return nil, err
	}

	attrs := make([]*pkcs11.Attribute, len(types))
	var invalid bool
	for i, typ := range types {
		attr := attributeOf(key, typ)
		if attr == nil {
			attr = &pkcs11.Attribute{Type: typ}
			invalid = true
		}
		attrs[i] = attr
	}
	if invalid {
		return attrs, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
	}
	return attrs, nil
}

func attributeOf(key *keys.Key, typ uint) *pkcs11.Attribute {
	switch typ {
	case pkcs11.CKA_KEY_TYPE:
		switch key.Family() {
		case keys.FamilyRSA:
			return pkcs11.NewAttribute(typ, pkcs11.CKK_RSA)
		case keys.FamilyEC:
			return pkcs11.NewAttribute(typ, pkcs11.CKK_EC)
		}
	case pkcs11.CKA_LABEL, pkcs11.CKA_ID:
		return pkcs11.NewAttribute(typ, []byte(key.Alias))
	case pkcs11.CKA_ALWAYS_AUTHENTICATE:
		return pkcs11.NewAttribute(typ, false)
	case pkcs11.CKA_MODULUS:
		if pub, ok := key.Public.(*keys.RSAPublicKey); ok {
			return pkcs11.NewAttribute(typ, pub.Modulus)
		}
	case pkcs11.CKA_PUBLIC_EXPONENT:
		if pub, ok := key.Public.(*keys.RSAPublicKey); ok {
			return pkcs11.NewAttribute(typ, pub.Exponent)
		}
	case pkcs11.CKA_EC_POINT:
		if pub, ok := key.Public.(*keys.ECPublicKey); ok {
			return pkcs11.NewAttribute(typ, pub.ECPoint())
		}
	case pkcs11.CKA_EC_PARAMS:
		if pub, ok := key.Public.(*keys.ECPublicKey); ok {
			return pkcs11.NewAttribute(typ, pub.Curve.ECParams())
		}
	}
	return nil
}

// FindObjectsInit starts a search. Keys are only found when the template
// names the public or private key class; CKA_ID or CKA_LABEL narrows the
// search to one alias and CKA_SIGN is accepted and ignored.
func (m *Module) FindObjectsInit(h session.Handle, template []*pkcs11.Attribute) error {
	sess, err := m.session(h)
	if err != nil {
		return err
	}

	var (
		wantKeys bool
		alias    *string
	)
	for _, attr := range template {
		switch attr.Type {
		case pkcs11.CKA_CLASS:
			class, ok := ulongValue(attr.Value)
			if !ok || (class != pkcs11.CKO_PUBLIC_KEY && class != pkcs11.CKO_PRIVATE_KEY) {
				return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
			}
			wantKeys = true
		case pkcs11.CKA_ID, pkcs11.CKA_LABEL:
			if !utf8.Valid(attr.Value) {
				return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
			}
			s := string(attr.Value)
			alias = &s
		case pkcs11.CKA_SIGN:
		default:
			return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
	}
	sess.FindInit(wantKeys, alias)
	return nil
}

// FindObjects returns up to limit matching object handles. An exhausted
// search returns an empty slice.
func (m *Module) FindObjects(h session.Handle, limit int) ([]uint, error) {
	sess, err := m.session(h)
	if err != nil {
		return nil, err
	}
	found := make([]uint, 0, min(max(limit, 0), sess.Len()))
	for len(found) < limit {
		i, ok := sess.FindNext()
		if !ok {
			break
		}
		found = append(found, objectHandle(i))
	}
	return found, nil
}

// FindObjectsFinal ends the search. It always succeeds.
func (m *Module) FindObjectsFinal(h session.Handle) error {
	if sess, err := m.store.Get(h); err == nil {
		sess.FindInit(false, nil)
	}
	return nil
}

// ulongValue decodes a CK_ULONG attribute value in host byte order.
func ulongValue(value []byte) (uint, bool) {
	switch len(value) {
	case 8:
		return uint(binary.NativeEndian.Uint64(value)), true
	case 4:
		return uint(binary.NativeEndian.Uint32(value)), true
	default:
		return 0, false
	}
}
