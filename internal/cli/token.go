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

package cli

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// probeMessage is signed by token probe --sign.
const probeMessage = "keyagent token probe"

// sha256DigestInfoPrefix is the DER DigestInfo header for SHA-256.
var sha256DigestInfoPrefix = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// ProbeReport describes a loaded PKCS#11 module.
type ProbeReport struct {
	Module          string       `json:"module" yaml:"module"`
	Manufacturer    string       `json:"manufacturer" yaml:"manufacturer"`
	Description     string       `json:"description" yaml:"description"`
	CryptokiVersion string       `json:"cryptoki_version" yaml:"cryptoki_version"`
	Slots           []SlotReport `json:"slots" yaml:"slots"`
}

// SlotReport describes one token.
type SlotReport struct {
	ID    uint        `json:"id" yaml:"id"`
	Label string      `json:"label" yaml:"label"`
	Model string      `json:"model" yaml:"model"`
	Keys  []KeyReport `json:"keys" yaml:"keys"`
}

// KeyReport describes one private key object.
type KeyReport struct {
	Handle   uint   `json:"handle" yaml:"handle"`
	Label    string `json:"label" yaml:"label"`
	Type     string `json:"type" yaml:"type"`
	Signed   bool   `json:"signed,omitempty" yaml:"signed,omitempty"`
	Verified bool   `json:"verified,omitempty" yaml:"verified,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newTokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with the PKCS#11 token module",
	}
	cmd.AddCommand(newTokenProbeCmd(opts))
	return cmd
}

func newTokenProbeCmd(opts *options) *cobra.Command {
	var (
		module string
		sign   bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Load a PKCS#11 module and list its keys",
		Long: `Load a PKCS#11 module the way a consumer would, list the slots and
private keys it reports and, with --sign, sign a test message with
every key and verify the result against the public attributes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := probeModule(module, sign)
			if err != nil {
				return err
			}
			return NewPrinter(opts.outputFormat, cmd.OutOrStdout()).PrintValue(report, report.write)
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "path to the PKCS#11 shared library")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign and verify with every key")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func probeModule(path string, sign bool) (*ProbeReport, error) {
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", path)
	}
	defer p.Destroy()

	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("C_Initialize: %w", err)
	}
	defer func() { _ = p.Finalize() }()

	info, err := p.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("C_GetInfo: %w", err)
	}
	report := &ProbeReport{
		Module:          path,
		Manufacturer:    info.ManufacturerID,
		Description:     info.LibraryDescription,
		CryptokiVersion: fmt.Sprintf("%d.%d", info.CryptokiVersion.Major, info.CryptokiVersion.Minor),
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("C_GetSlotList: %w", err)
	}
	for _, slot := range slots {
		sr, err := probeSlot(p, slot, sign)
		if err != nil {
			return nil, err
		}
		report.Slots = append(report.Slots, *sr)
	}
	return report, nil
}

func probeSlot(p *pkcs11.Ctx, slot uint, sign bool) (*SlotReport, error) {
	ti, err := p.GetTokenInfo(slot)
	if err != nil {
		return nil, fmt.Errorf("C_GetTokenInfo: %w", err)
	}
	sr := &SlotReport{ID: slot, Label: ti.Label, Model: ti.Model}

	sh, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("C_OpenSession: %w", err)
	}
	defer func() { _ = p.CloseSession(sh) }()

	objects, err := findPrivateKeys(p, sh)
	if err != nil {
		return nil, err
	}
	for _, obj := range objects {
		sr.Keys = append(sr.Keys, probeKey(p, sh, obj, sign))
	}
	return sr, nil
}

func findPrivateKeys(p *pkcs11.Ctx, sh pkcs11.SessionHandle) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	if err := p.FindObjectsInit(sh, template); err != nil {
		return nil, fmt.Errorf("C_FindObjectsInit: %w", err)
	}
	defer func() { _ = p.FindObjectsFinal(sh) }()

	var all []pkcs11.ObjectHandle
	for {
		batch, _, err := p.FindObjects(sh, 16)
		if err != nil {
			return nil, fmt.Errorf("C_FindObjects: %w", err)
		}
		if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
	}
}

func probeKey(p *pkcs11.Ctx, sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, sign bool) KeyReport {
	kr := KeyReport{Handle: uint(obj)}

	attrs, err := p.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		kr.Error = err.Error()
		return kr
	}
	kr.Label = string(attrs[0].Value)

	pub, err := publicKey(p, sh, obj, attrs[1].Value)
	if err != nil {
		kr.Error = err.Error()
		return kr
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		kr.Type = fmt.Sprintf("RSA-%d", k.N.BitLen())
	case *ecdsa.PublicKey:
		kr.Type = "EC-" + k.Curve.Params().Name
	}

	if sign {
		kr.Signed, kr.Verified, err = signAndVerify(p, sh, obj, pub)
		if err != nil {
			kr.Error = err.Error()
		}
	}
	return kr
}

// publicKey rebuilds the public key from the private key object's
// public attributes.
func publicKey(p *pkcs11.Ctx, sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, keyType []byte) (crypto.PublicKey, error) {
	switch ulong(keyType) {
	case pkcs11.CKK_RSA:
		attrs, err := p.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, err
		}
		key := &keys.Key{Public: &keys.RSAPublicKey{Modulus: attrs[0].Value, Exponent: attrs[1].Value}}
		return key.CryptoPublicKey()

	case pkcs11.CKK_EC:
		attrs, err := p.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, err
		}
		curve, err := keys.ParseECParams(attrs[0].Value)
		if err != nil {
			return nil, err
		}
		point, err := keys.ParseECPoint(curve, attrs[1].Value)
		if err != nil {
			return nil, err
		}
		return (&keys.Key{Public: point}).CryptoPublicKey()

	default:
		return nil, fmt.Errorf("unsupported key type %#x", ulong(keyType))
	}
}

// signAndVerify signs probeMessage through the module and checks the
// signature locally.
func signAndVerify(p *pkcs11.Ctx, sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, pub crypto.PublicKey) (bool, bool, error) {
	digest := sha256.Sum256([]byte(probeMessage))

	var (
		mechanism uint
		input     []byte
	)
	switch pub.(type) {
	case *rsa.PublicKey:
		mechanism = pkcs11.CKM_RSA_PKCS
		input = append(append([]byte{}, sha256DigestInfoPrefix...), digest[:]...)
	case *ecdsa.PublicKey:
		mechanism = pkcs11.CKM_ECDSA
		input = digest[:]
	default:
		return false, false, errors.New("unsupported public key")
	}

	if err := p.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, obj); err != nil {
		return false, false, fmt.Errorf("C_SignInit: %w", err)
	}
	sig, err := p.Sign(sh, input)
	if err != nil {
		return false, false, fmt.Errorf("C_Sign: %w", err)
	}
	return true, verifyProbeSignature(pub, digest[:], sig), nil
}

// verifyProbeSignature checks a PKCS#1 v1.5 or fixed-width r||s
// signature over a SHA-256 digest.
func verifyProbeSignature(pub crypto.PublicKey, digest, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig) == nil
	case *ecdsa.PublicKey:
		if len(sig)%2 != 0 {
			return false
		}
		half := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:half])
		s := new(big.Int).SetBytes(sig[half:])
		return ecdsa.Verify(k, digest, r, s)
	default:
		return false
	}
}

// ulong decodes a native CK_ULONG attribute value.
func ulong(b []byte) uint {
	switch len(b) {
	case 8:
		return uint(binary.NativeEndian.Uint64(b))
	case 4:
		return uint(binary.NativeEndian.Uint32(b))
	default:
		return ^uint(0)
	}
}

func (r *ProbeReport) write(w io.Writer) {
	fmt.Fprintf(w, "Module:   %s\n", r.Module)
	fmt.Fprintf(w, "Library:  %s (%s), cryptoki %s\n", r.Description, r.Manufacturer, r.CryptokiVersion)
	for _, s := range r.Slots {
		fmt.Fprintf(w, "Slot %d: %s (%s)\n", s.ID, s.Label, s.Model)
		if len(s.Keys) == 0 {
			fmt.Fprintln(w, "  No keys found")
		}
		for _, k := range s.Keys {
			fmt.Fprintf(w, "  [%d] %s %s", k.Handle, k.Label, k.Type)
			if k.Signed {
				fmt.Fprintf(w, " signed, verified=%t", k.Verified)
			}
			if k.Error != "" {
				fmt.Fprintf(w, " error: %s", k.Error)
			}
			fmt.Fprintln(w)
		}
	}
}
