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

// Package gcpkms implements the signing backend on Google Cloud KMS
// asymmetric signing keys.
package gcpkms

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"path"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

var errChecksum = errors.New("gcpkms: checksum mismatch")

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// KMSClient is the subset of the Cloud KMS API the backend uses.
type KMSClient interface {
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error)
}

// realKMSClient adapts the generated client to KMSClient.
type realKMSClient struct {
	*kms.KeyManagementClient
}

func (r *realKMSClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error) {
	it := r.KeyManagementClient.ListCryptoKeys(ctx, req)
	var out []*kmspb.CryptoKey
	for {
		key, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
}

func (r *realKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest) (*kmspb.PublicKey, error) {
	return r.KeyManagementClient.GetPublicKey(ctx, req)
}

func (r *realKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
	return r.KeyManagementClient.AsymmetricSign(ctx, req)
}

// Backend signs with Cloud KMS crypto key versions.
type Backend struct {
	config *Config
	client KMSClient
	logger logger.Logger
}

// NewBackend creates a Cloud KMS client from the configured credentials.
func NewBackend(ctx context.Context, config *Config, log logger.Logger) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
	}
	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcpkms: creating client: %w", err)
	}
	return NewBackendWithClient(config, &realKMSClient{client}, log), nil
}

// NewBackendWithClient creates a backend around an existing client.
func NewBackendWithClient(config *Config, client KMSClient, log logger.Logger) *Backend {
	if log == nil {
		log = logger.NewNop()
	}
	return &Backend{config: config, client: client, logger: log}
}

// ListKeys returns the public keys of the configured crypto keys, or of
// every signing key in the key ring when none are configured.
func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	ids := b.config.Keys
	if len(ids) == 0 {
		var err error
		if ids, err = b.signingKeys(ctx); err != nil {
			return nil, err
		}
	}

	entries := make([]keys.Entry, 0, len(ids))
	for _, id := range ids {
		pub, err := b.publicKey(ctx, id)
		if err != nil {
			return nil, err
		}
		entry, err := keys.EntryFromPublicKey(id, pub)
		if err != nil {
			b.logger.DebugContext(ctx, "gcpkms: skipping key", logger.String("key", id), logger.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *Backend) signingKeys(ctx context.Context) ([]string, error) {
	list, err := b.client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: b.config.KeyRingName()})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: listing crypto keys: %w", err)
	}
	var ids []string
	for _, k := range list {
		if k.GetPurpose() != kmspb.CryptoKey_ASYMMETRIC_SIGN {
			continue
		}
		ids = append(ids, path.Base(k.GetName()))
	}
	return ids, nil
}

func (b *Backend) publicKey(ctx context.Context, id string) (crypto.PublicKey, error) {
	resp, err := b.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: b.config.VersionName(id)})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: reading public key %s: %w", id, err)
	}
	if c := resp.GetPemCrc32C(); c != nil && c.GetValue() != checksum([]byte(resp.GetPem())) {
		return nil, fmt.Errorf("%w: public key %s", errChecksum, id)
	}
	block, _ := pem.Decode([]byte(resp.GetPem()))
	if block == nil {
		return nil, fmt.Errorf("gcpkms: public key %s is not PEM", id)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("gcpkms: parsing public key %s: %w", id, err)
	}
	return pub, nil
}

// Sign hashes locally when needed and sends the digest to Cloud KMS. The
// key version's algorithm fixes the hash, so a mismatching scheme is
// rejected by the service.
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
	msg, err := digestMessage(hash, digest)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         b.config.VersionName(alias),
		Digest:       msg,
		DigestCrc32C: wrapperspb.Int64(checksum(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: signing with %s: %w", alias, err)
	}
	if !resp.GetVerifiedDigestCrc32C() {
		return nil, fmt.Errorf("%w: digest sent for %s", errChecksum, alias)
	}
	if c := resp.GetSignatureCrc32C(); c != nil && c.GetValue() != checksum(resp.GetSignature()) {
		return nil, fmt.Errorf("%w: signature from %s", errChecksum, alias)
	}
	return resp.GetSignature(), nil
}

// Unlock reports false: Cloud KMS has no user presence gate.
func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	return false, nil
}

func digestMessage(hash crypto.Hash, digest []byte) (*kmspb.Digest, error) {
	switch hash {
	case crypto.SHA256:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}, nil
	case crypto.SHA384:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}, nil
	case crypto.SHA512:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}, nil
	default:
		return nil, fmt.Errorf("%w: %v digest", bridge.ErrUnsupported, hash)
	}
}

func checksum(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}
