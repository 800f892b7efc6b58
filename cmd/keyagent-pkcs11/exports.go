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

package main

/*
#include "ckapi.h"
*/
import "C"

import (
	"context"
	"unsafe"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyagent/pkg/session"
	"github.com/jeremyhahn/go-keyagent/pkg/token"
)

func rv(err error) C.CK_RV {
	return C.CK_RV(returnValue(err))
}

func rvCode(code uint) C.CK_RV {
	return C.CK_RV(code)
}

// module returns the token, or nil with CKR_GENERAL_ERROR when the
// configuration could not be loaded.
func module() (*token.Module, C.CK_RV) {
	m, err := instance()
	if err != nil {
		return nil, rvCode(pkcs11.CKR_GENERAL_ERROR)
	}
	return m, rvCode(pkcs11.CKR_OK)
}

func bytesOf(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

//export C_Initialize
func C_Initialize(pInitArgs C.CK_VOID_PTR) C.CK_RV {
	m, code := module()
	if m == nil {
		return code
	}
	return rv(m.Initialize())
}

//export C_Finalize
func C_Finalize(pReserved C.CK_VOID_PTR) C.CK_RV {
	if pReserved != nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	return rv(m.Finalize())
}

//export C_GetInfo
func C_GetInfo(pInfo C.CK_INFO_PTR) C.CK_RV {
	if pInfo == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	info := m.Info()
	pInfo.cryptokiVersion = ckVersion(info.CryptokiVersion)
	pad(bytesOf(unsafe.Pointer(&pInfo.manufacturerID[0]), len(pInfo.manufacturerID)), info.ManufacturerID)
	pInfo.flags = C.CK_FLAGS(info.Flags)
	pad(bytesOf(unsafe.Pointer(&pInfo.libraryDescription[0]), len(pInfo.libraryDescription)), info.LibraryDescription)
	pInfo.libraryVersion = ckVersion(info.LibraryVersion)
	return rvCode(pkcs11.CKR_OK)
}

func ckVersion(v pkcs11.Version) C.CK_VERSION {
	return C.CK_VERSION{major: C.CK_BYTE(v.Major), minor: C.CK_BYTE(v.Minor)}
}

//export C_GetSlotList
func C_GetSlotList(tokenPresent C.CK_BBOOL, pSlotList C.CK_SLOT_ID_PTR, pulCount C.CK_ULONG_PTR) C.CK_RV {
	if pulCount == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	slots := m.SlotList()
	if pSlotList == nil {
		*pulCount = C.CK_ULONG(len(slots))
		return rvCode(pkcs11.CKR_OK)
	}
	if uint(*pulCount) < uint(len(slots)) {
		*pulCount = C.CK_ULONG(len(slots))
		return rvCode(pkcs11.CKR_BUFFER_TOO_SMALL)
	}
	out := unsafe.Slice(pSlotList, len(slots))
	for i, id := range slots {
		out[i] = C.CK_SLOT_ID(id)
	}
	*pulCount = C.CK_ULONG(len(slots))
	return rvCode(pkcs11.CKR_OK)
}

//export C_GetSlotInfo
func C_GetSlotInfo(slotID C.CK_SLOT_ID, pInfo C.CK_SLOT_INFO_PTR) C.CK_RV {
	if pInfo == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	info, err := m.SlotInfo(uint(slotID))
	if err != nil {
		return rv(err)
	}
	pad(bytesOf(unsafe.Pointer(&pInfo.slotDescription[0]), len(pInfo.slotDescription)), info.SlotDescription)
	pad(bytesOf(unsafe.Pointer(&pInfo.manufacturerID[0]), len(pInfo.manufacturerID)), info.ManufacturerID)
	pInfo.flags = C.CK_FLAGS(info.Flags)
	pInfo.hardwareVersion = ckVersion(info.HardwareVersion)
	pInfo.firmwareVersion = ckVersion(info.FirmwareVersion)
	return rvCode(pkcs11.CKR_OK)
}

//export C_GetTokenInfo
func C_GetTokenInfo(slotID C.CK_SLOT_ID, pInfo C.CK_TOKEN_INFO_PTR) C.CK_RV {
	if pInfo == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	info, err := m.TokenInfo(uint(slotID))
	if err != nil {
		return rv(err)
	}
	pad(bytesOf(unsafe.Pointer(&pInfo.label[0]), len(pInfo.label)), info.Label)
	pad(bytesOf(unsafe.Pointer(&pInfo.manufacturerID[0]), len(pInfo.manufacturerID)), info.ManufacturerID)
	pad(bytesOf(unsafe.Pointer(&pInfo.model[0]), len(pInfo.model)), info.Model)
	pad(bytesOf(unsafe.Pointer(&pInfo.serialNumber[0]), len(pInfo.serialNumber)), info.SerialNumber)
	pInfo.flags = C.CK_FLAGS(info.Flags)
	pInfo.ulMaxSessionCount = C.CK_ULONG(info.MaxSessionCount)
	pInfo.ulSessionCount = C.CK_ULONG(info.SessionCount)
	pInfo.ulMaxRwSessionCount = C.CK_ULONG(info.MaxRwSessionCount)
	pInfo.ulRwSessionCount = C.CK_ULONG(info.RwSessionCount)
	pInfo.ulMaxPinLen = C.CK_ULONG(info.MaxPinLen)
	pInfo.ulMinPinLen = C.CK_ULONG(info.MinPinLen)
	pInfo.ulTotalPublicMemory = C.CK_ULONG(info.TotalPublicMemory)
	pInfo.ulFreePublicMemory = C.CK_ULONG(info.FreePublicMemory)
	pInfo.ulTotalPrivateMemory = C.CK_ULONG(info.TotalPrivateMemory)
	pInfo.ulFreePrivateMemory = C.CK_ULONG(info.FreePrivateMemory)
	pInfo.hardwareVersion = ckVersion(info.HardwareVersion)
	pInfo.firmwareVersion = ckVersion(info.FirmwareVersion)
	pad(bytesOf(unsafe.Pointer(&pInfo.utcTime[0]), len(pInfo.utcTime)), "")
	return rvCode(pkcs11.CKR_OK)
}

//export C_OpenSession
func C_OpenSession(slotID C.CK_SLOT_ID, flags C.CK_FLAGS, pApplication C.CK_VOID_PTR, notify C.CK_NOTIFY, phSession C.CK_SESSION_HANDLE_PTR) C.CK_RV {
	if phSession == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	h, err := m.OpenSession(context.Background(), uint(slotID), uint(flags))
	if err != nil {
		return rv(err)
	}
	*phSession = C.CK_SESSION_HANDLE(h)
	return rvCode(pkcs11.CKR_OK)
}

//export C_CloseSession
func C_CloseSession(hSession C.CK_SESSION_HANDLE) C.CK_RV {
	m, code := module()
	if m == nil {
		return code
	}
	return rv(m.CloseSession(session.Handle(hSession)))
}

//export C_GetAttributeValue
func C_GetAttributeValue(hSession C.CK_SESSION_HANDLE, hObject C.CK_OBJECT_HANDLE, pTemplate C.CK_ATTRIBUTE_PTR, ulCount C.CK_ULONG) C.CK_RV {
	if pTemplate == nil && ulCount > 0 {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}

	template := unsafe.Slice(pTemplate, int(ulCount))
	types := make([]uint, len(template))
	for i := range template {
		types[i] = uint(template[i]._type)
	}

	attrs, err := m.GetAttributeValue(session.Handle(hSession), uint(hObject), types)
	result := returnValue(err)
	if attrs == nil {
		return rvCode(result)
	}

	for i, attr := range attrs {
		t := &template[i]
		res := resolveAttribute(attr.Value, t.pValue != nil, uint(t.ulValueLen))
		if res.fill {
			copy(bytesOf(unsafe.Pointer(t.pValue), len(attr.Value)), attr.Value)
		}
		if res.tooSmall && result == pkcs11.CKR_OK {
			result = pkcs11.CKR_BUFFER_TOO_SMALL
		}
		t.ulValueLen = C.CK_ULONG(res.length)
	}
	return rvCode(result)
}

//export C_FindObjectsInit
func C_FindObjectsInit(hSession C.CK_SESSION_HANDLE, pTemplate C.CK_ATTRIBUTE_PTR, ulCount C.CK_ULONG) C.CK_RV {
	if pTemplate == nil && ulCount > 0 {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}

	entries := unsafe.Slice(pTemplate, int(ulCount))
	template := make([]*pkcs11.Attribute, len(entries))
	for i := range entries {
		var value []byte
		if entries[i].pValue != nil {
			value = C.GoBytes(unsafe.Pointer(entries[i].pValue), C.int(entries[i].ulValueLen))
		}
		template[i] = &pkcs11.Attribute{Type: uint(entries[i]._type), Value: value}
	}
	return rv(m.FindObjectsInit(session.Handle(hSession), template))
}

//export C_FindObjects
func C_FindObjects(hSession C.CK_SESSION_HANDLE, phObject C.CK_OBJECT_HANDLE_PTR, ulMaxObjectCount C.CK_ULONG, pulObjectCount C.CK_ULONG_PTR) C.CK_RV {
	if pulObjectCount == nil || (phObject == nil && ulMaxObjectCount > 0) {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}

	objects, err := m.FindObjects(session.Handle(hSession), int(ulMaxObjectCount))
	if err != nil {
		return rv(err)
	}
	out := unsafe.Slice(phObject, len(objects))
	for i, obj := range objects {
		out[i] = C.CK_OBJECT_HANDLE(obj)
	}
	*pulObjectCount = C.CK_ULONG(len(objects))
	return rvCode(pkcs11.CKR_OK)
}

//export C_FindObjectsFinal
func C_FindObjectsFinal(hSession C.CK_SESSION_HANDLE) C.CK_RV {
	m, code := module()
	if m == nil {
		return code
	}
	return rv(m.FindObjectsFinal(session.Handle(hSession)))
}

//export C_SignInit
func C_SignInit(hSession C.CK_SESSION_HANDLE, pMechanism C.CK_MECHANISM_PTR, hKey C.CK_OBJECT_HANDLE) C.CK_RV {
	if pMechanism == nil {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}
	return rv(m.SignInit(session.Handle(hSession), uint(pMechanism.mechanism), uint(hKey)))
}

//export C_Sign
func C_Sign(hSession C.CK_SESSION_HANDLE, pData C.CK_BYTE_PTR, ulDataLen C.CK_ULONG, pSignature C.CK_BYTE_PTR, pulSignatureLen C.CK_ULONG_PTR) C.CK_RV {
	if pulSignatureLen == nil || (pData == nil && ulDataLen > 0) {
		return rvCode(pkcs11.CKR_ARGUMENTS_BAD)
	}
	m, code := module()
	if m == nil {
		return code
	}

	data := C.GoBytes(unsafe.Pointer(pData), C.int(ulDataLen))
	var out []byte
	if pSignature != nil {
		out = bytesOf(unsafe.Pointer(pSignature), int(*pulSignatureLen))
	}

	n, err := m.Sign(context.Background(), session.Handle(hSession), data, out)
	code = rv(err)
	if err == nil || code == rvCode(pkcs11.CKR_BUFFER_TOO_SMALL) {
		*pulSignatureLen = C.CK_ULONG(n)
	}
	return code
}
