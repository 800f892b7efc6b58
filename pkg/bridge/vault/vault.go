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

// Package vault implements the signing backend on the HashiCorp Vault
// transit secrets engine.
package vault

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

var ErrInvalidResponse = errors.New("vault: invalid response")

// Backend signs with transit keys. Private keys never leave Vault.
type Backend struct {
	config *Config
	client *vault.Client
	logger logger.Logger
}

// NewBackend creates a transit backend.
func NewBackend(config *Config, log logger.Logger) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address
	if config.TLSSkipVerify {
		if err := vaultConfig.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("vault: configuring TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: creating client: %w", err)
	}
	client.SetToken(config.Token)
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	if log == nil {
		log = logger.NewNop()
	}
	return &Backend{config: config, client: client, logger: log}, nil
}

// ListKeys lists transit keys and reads the latest public key of each
// asymmetric one.
func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	names := b.config.Keys
	if len(names) == 0 {
		var err error
		if names, err = b.listNames(ctx); err != nil {
			return nil, err
		}
	}

	entries := make([]keys.Entry, 0, len(names))
	for _, name := range names {
		pub, err := b.publicKey(ctx, name)
		if err != nil {
			if errors.Is(err, bridge.ErrUnsupported) {
				b.logger.DebugContext(ctx, "vault: skipping key", logger.String("key", name), logger.Error(err))
				continue
			}
			return nil, err
		}
		entry, err := keys.EntryFromPublicKey(name, pub)
		if err != nil {
			b.logger.DebugContext(ctx, "vault: skipping key", logger.String("key", name), logger.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *Backend) listNames(ctx context.Context) ([]string, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, b.config.Mount+"/keys")
	if err != nil {
		return nil, fmt.Errorf("vault: listing keys: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: keys is not a list", ErrInvalidResponse)
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

func (b *Backend) publicKey(ctx context.Context, name string) (crypto.PublicKey, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/keys/%s", b.config.Mount, name))
	if err != nil {
		return nil, fmt.Errorf("vault: reading key %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: key %s not found", ErrInvalidResponse, name)
	}

	keyType, _ := secret.Data["type"].(string)
	if !strings.HasPrefix(keyType, "rsa-") && !strings.HasPrefix(keyType, "ecdsa-") {
		return nil, fmt.Errorf("%w: key type %q", bridge.ErrUnsupported, keyType)
	}

	versions, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid keys format", ErrInvalidResponse)
	}
	latest := fmt.Sprintf("%v", secret.Data["latest_version"])
	version, ok := versions[latest].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: version %s not found", ErrInvalidResponse, latest)
	}
	publicKeyPEM, ok := version["public_key"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no public key in response", ErrInvalidResponse)
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode PEM", ErrInvalidResponse)
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// Sign maps the algorithm onto a transit sign call. NONEwith* inputs are
// sent prehashed.
func (b *Backend) Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error) {
	scheme, err := bridge.ParseScheme(algorithm)
	if err != nil {
		return nil, err
	}
	hash, input, err := scheme.Digest(data)
	if err != nil {
		return nil, err
	}
	vaultHash, err := hashName(hash)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"input":     base64.StdEncoding.EncodeToString(input),
		"prehashed": scheme.Prehashed,
	}
	if scheme.Family == keys.FamilyRSA {
		body["signature_algorithm"] = "pkcs1v15"
	} else {
		body["marshaling_algorithm"] = "asn1"
	}

	path := fmt.Sprintf("%s/sign/%s/%s", b.config.Mount, alias, vaultHash)
	secret, err := b.client.Logical().WriteWithContext(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("vault: signing with %s: %w", alias, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: no signature returned", ErrInvalidResponse)
	}
	signature, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no signature in response", ErrInvalidResponse)
	}

	// "vault:v<version>:<base64>"
	parts := strings.SplitN(signature, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: invalid signature format", ErrInvalidResponse)
	}
	return base64.StdEncoding.DecodeString(parts[2])
}

// Unlock renews the client token.
func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	secret, err := b.client.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		return false, fmt.Errorf("vault: renewing token: %w", err)
	}
	return secret != nil && secret.Auth != nil, nil
}

func hashName(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA1:
		return "sha1", nil
	case crypto.SHA256:
		return "sha2-256", nil
	case crypto.SHA384:
		return "sha2-384", nil
	case crypto.SHA512:
		return "sha2-512", nil
	default:
		return "", fmt.Errorf("%w: hash %v", bridge.ErrUnsupported, h)
	}
}
