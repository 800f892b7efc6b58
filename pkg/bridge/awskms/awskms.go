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

// Package awskms implements the signing backend on AWS KMS asymmetric
// keys.
package awskms

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// KMSClient is the subset of the KMS API the backend uses.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	ListAliases(ctx context.Context, params *kms.ListAliasesInput, optFns ...func(*kms.Options)) (*kms.ListAliasesOutput, error)
}

// Backend signs with KMS keys of usage SIGN_VERIFY.
type Backend struct {
	config *Config
	client KMSClient
	logger logger.Logger
}

// NewBackend loads the AWS configuration and creates a KMS client.
func NewBackend(ctx context.Context, config *Config, log logger.Logger) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, config.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("awskms: loading AWS config: %w", err)
	}

	var clientOpts []func(*kms.Options)
	if config.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	return NewBackendWithClient(config, kms.NewFromConfig(cfg, clientOpts...), log), nil
}

// NewBackendWithClient creates a backend around an existing client.
func NewBackendWithClient(config *Config, client KMSClient, log logger.Logger) *Backend {
	if log == nil {
		log = logger.NewNop()
	}
	return &Backend{config: config, client: client, logger: log}
}

// ListKeys returns the public keys of the configured key IDs, or of every
// customer alias when none are configured.
func (b *Backend) ListKeys(ctx context.Context) ([]keys.Entry, error) {
	ids := b.config.KeyIDs
	if len(ids) == 0 {
		var err error
		if ids, err = b.aliases(ctx); err != nil {
			return nil, err
		}
	}

	entries := make([]keys.Entry, 0, len(ids))
	for _, id := range ids {
		out, err := b.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(id)})
		if err != nil {
			return nil, fmt.Errorf("awskms: reading public key %s: %w", id, err)
		}
		if out.KeyUsage != awstypes.KeyUsageTypeSignVerify {
			b.logger.DebugContext(ctx, "awskms: skipping key", logger.String("key", id),
				logger.String("usage", string(out.KeyUsage)))
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("awskms: parsing public key %s: %w", id, err)
		}
		entry, err := keys.EntryFromPublicKey(id, pub)
		if err != nil {
			b.logger.DebugContext(ctx, "awskms: skipping key", logger.String("key", id), logger.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *Backend) aliases(ctx context.Context) ([]string, error) {
	var names []string
	pager := kms.NewListAliasesPaginator(b.client, &kms.ListAliasesInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("awskms: listing aliases: %w", err)
		}
		for _, a := range page.Aliases {
			name := aws.ToString(a.AliasName)
			if a.TargetKeyId == nil || strings.HasPrefix(name, "alias/aws/") {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

// Sign hashes locally when needed and always sends a digest to KMS.
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
	spec, err := signingAlgorithm(scheme.Family, hash)
	if err != nil {
		return nil, err
	}

	out, err := b.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(alias),
		Message:          digest,
		MessageType:      awstypes.MessageTypeDigest,
		SigningAlgorithm: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("awskms: signing with %s: %w", alias, err)
	}
	return out.Signature, nil
}

// Unlock reports false: KMS has no user presence gate.
func (b *Backend) Unlock(ctx context.Context) (bool, error) {
	return false, nil
}

func signingAlgorithm(family keys.Family, hash crypto.Hash) (awstypes.SigningAlgorithmSpec, error) {
	switch {
	case family == keys.FamilyRSA && hash == crypto.SHA256:
		return awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
	case family == keys.FamilyRSA && hash == crypto.SHA384:
		return awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
	case family == keys.FamilyRSA && hash == crypto.SHA512:
		return awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha512, nil
	case family == keys.FamilyEC && hash == crypto.SHA256:
		return awstypes.SigningAlgorithmSpecEcdsaSha256, nil
	case family == keys.FamilyEC && hash == crypto.SHA384:
		return awstypes.SigningAlgorithmSpecEcdsaSha384, nil
	case family == keys.FamilyEC && hash == crypto.SHA512:
		return awstypes.SigningAlgorithmSpecEcdsaSha512, nil
	default:
		return "", fmt.Errorf("%w: %s with %v", bridge.ErrUnsupported, family, hash)
	}
}
