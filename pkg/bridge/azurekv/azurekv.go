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

// Package azurekv implements the signing backend on Azure Key Vault RSA
// and EC keys.
package azurekv

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

var errMalformedKey = errors.New("azurekv: malformed key")

// KeyVaultClient is the subset of the Key Vault keys API the backend uses.
// *azkeys.Client satisfies it.
type KeyVaultClient interface {
	GetKey(ctx context.Context, name, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
	Sign(ctx context.Context, name, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
	NewListKeyPropertiesPager(options *azkeys.ListKeyPropertiesOptions) *runtime.Pager[azkeys.ListKeyPropertiesResponse]
}

// Backend signs with the latest version of Key Vault keys.
type Backend struct {
	config *Config
	client KeyVaultClient
	logger logger.Logger
}

// NewBackend creates a Key Vault client using service principal
// credentials when configured and DefaultAzureCredential otherwise.
func NewBackend(config *Config, log logger.Logger) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if config.HasServicePrincipal() {
		cred, err = azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{AdditionallyAllowedTenants: []string{"*"}})
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(
			&azidentity.DefaultAzureCredentialOptions{AdditionallyAllowedTenants: []string{"*"}})
	}
	if err != nil {
		return nil, fmt.Errorf("azurekv: creating credential: %w", err)
	}
	client, err := azkeys.NewClient(config.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: creating client: %w", err)
	}
	return NewBackendWithClient(config, client, log), nil
}

// NewBackendWithClient creates a backend around an existing client.
func NewBackendWithClient(config *Config, client KeyVaultClient, log logger.Logger) *Backend {
	if log == nil {
		log = logger.NewNop()
	}
	return &Backend{config: config, client: client, logger: log}
}

// ListKeys returns the public keys of the configured key names, or of
// every enabled key in the vault when none are configured.
func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	names := b.config.Keys
	if len(names) == 0 {
		var err error
		if names, err = b.keyNames(ctx); err != nil {
			return nil, err
		}
	}

	entries := make([]keys.Entry, 0, len(names))
	for _, name := range names {
		resp, err := b.client.GetKey(ctx, name, "", nil)
		if err != nil {
			return nil, fmt.Errorf("azurekv: reading key %s: %w", name, err)
		}
		pub, err := jwkToPublicKey(resp.Key)
		if err != nil {
			b.logger.DebugContext(ctx, "azurekv: skipping key", logger.String("key", name), logger.Error(err))
			continue
		}
		entry, err := keys.EntryFromPublicKey(name, pub)
		if err != nil {
			b.logger.DebugContext(ctx, "azurekv: skipping key", logger.String("key", name), logger.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *Backend) keyNames(ctx context.Context) ([]string, error) {
	var names []string
	pager := b.client.NewListKeyPropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azurekv: listing keys: %w", err)
		}
		for _, p := range page.Value {
			if p == nil || p.KID == nil {
				continue
			}
			if p.Attributes != nil && p.Attributes.Enabled != nil && !*p.Attributes.Enabled {
				continue
			}
			names = append(names, p.KID.Name())
		}
	}
	return names, nil
}

// Sign hashes locally when needed and asks Key Vault to sign the digest.
// EC results come back as r || s and are re-encoded as DER.
func (b *Backend) Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error) {
	scheme, err := bridge.ParseScheme(algorithm)
	if err != nil {
		return nil, err
	}
	hash, digest, err := scheme.Digest(data)
	if err != nil {
		return nil, err
	}
	if !scheme.Prehashed {
		h := hash.New()
		h.Write(digest)
		digest = h.Sum(nil)
	}
	alg, err := signatureAlgorithm(scheme.Family, hash)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Sign(ctx, alias, "", azkeys.SignParameters{Algorithm: &alg, Value: digest}, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: signing with %s: %w", alias, err)
	}
	if scheme.Family == keys.FamilyEC {
		return rawToDER(resp.Result)
	}
	return resp.Result, nil
}

// Unlock reports false: Key Vault has no user presence gate.
func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	return false, nil
}

func signatureAlgorithm(family keys.Family, hash crypto.Hash) (azkeys.SignatureAlgorithm, error) {
	switch {
	case family == keys.FamilyRSA && hash == crypto.SHA256:
		return azkeys.SignatureAlgorithmRS256, nil
	case family == keys.FamilyRSA && hash == crypto.SHA384:
		return azkeys.SignatureAlgorithmRS384, nil
	case family == keys.FamilyRSA && hash == crypto.SHA512:
		return azkeys.SignatureAlgorithmRS512, nil
	case family == keys.FamilyEC && hash == crypto.SHA256:
		return azkeys.SignatureAlgorithmES256, nil
	case family == keys.FamilyEC && hash == crypto.SHA384:
		return azkeys.SignatureAlgorithmES384, nil
	case family == keys.FamilyEC && hash == crypto.SHA512:
		return azkeys.SignatureAlgorithmES512, nil
	default:
		return "", fmt.Errorf("%w: %s with %v", bridge.ErrUnsupported, family, hash)
	}
}

// rawToDER converts a JWS r || s signature into SEQUENCE { r, s }.
func rawToDER(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, keys.ErrMalformedSignature
	}
	half := len(sig) / 2
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[:half]))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[half:]))
	})
	return b.Bytes()
}

func jwkToPublicKey(jwk *azkeys.JSONWebKey) (crypto.PublicKey, error) {
	if jwk == nil || jwk.Kty == nil {
		return nil, fmt.Errorf("%w: missing key type", errMalformedKey)
	}
	switch *jwk.Kty {
	case azkeys.KeyTypeRSA, azkeys.KeyTypeRSAHSM:
		if len(jwk.N) == 0 || len(jwk.E) == 0 {
			return nil, fmt.Errorf("%w: RSA key without modulus or exponent", errMalformedKey)
		}
		e := new(big.Int).SetBytes(jwk.E)
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, fmt.Errorf("%w: RSA exponent too large", errMalformedKey)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(jwk.N), E: int(e.Int64())}, nil
	case azkeys.KeyTypeEC, azkeys.KeyTypeECHSM:
		if len(jwk.X) == 0 || len(jwk.Y) == 0 || jwk.Crv == nil {
			return nil, fmt.Errorf("%w: EC key without point or curve", errMalformedKey)
		}
		var curve elliptic.Curve
		switch *jwk.Crv {
		case azkeys.CurveNameP256:
			curve = elliptic.P256()
		case azkeys.CurveNameP384:
			curve = elliptic.P384()
		case azkeys.CurveNameP521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("%w: curve %s", keys.ErrUnsupportedAlgorithm, *jwk.Crv)
		}
		return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(jwk.X), Y: new(big.Int).SetBytes(jwk.Y)}, nil
	default:
		return nil, fmt.Errorf("%w: key type %s", keys.ErrUnsupportedAlgorithm, *jwk.Kty)
	}
}
