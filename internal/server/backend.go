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

package server

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/awskms"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/azurekv"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/gcpkms"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/termux"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/vault"
)

// NewBackend creates the backend selected by cfg.Type.
func NewBackend(ctx context.Context, cfg *config.BridgeConfig, log logger.Logger) (bridge.Backend, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.String("bridge", cfg.Type))

	switch cfg.Type {
	case config.BridgeTermux:
		return termux.NewBackend(cfg.Termux, termux.WithLogger(log)), nil
	case config.BridgeVault:
		vc := cfg.Vault
		b, err := vault.NewBackend(&vc, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault backend: %w", err)
		}
		return b, nil
	case config.BridgeAWSKMS:
		kc := cfg.AWSKMS
		b, err := awskms.NewBackend(ctx, &kc, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create awskms backend: %w", err)
		}
		return b, nil
	case config.BridgeGCPKMS:
		gc := cfg.GCPKMS
		b, err := gcpkms.NewBackend(ctx, &gc, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcpkms backend: %w", err)
		}
		return b, nil
	case config.BridgeAzureKV:
		ac := cfg.AzureKV
		b, err := azurekv.NewBackend(&ac, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create azurekv backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown bridge type %q", bridge.ErrInvalidConfig, cfg.Type)
	}
}

// NewClient creates the configured backend and wraps it with the bridge
// timeout and unlock throttling. trail may be nil.
func NewClient(ctx context.Context, cfg *config.BridgeConfig, log logger.Logger, trail audit.Recorder) (*bridge.Client, error) {
	backend, err := NewBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return WrapBackend(backend, cfg, log, trail), nil
}

// WrapBackend wraps an existing backend using the client settings in cfg.
func WrapBackend(backend bridge.Backend, cfg *config.BridgeConfig, log logger.Logger, trail audit.Recorder) *bridge.Client {
	return bridge.NewClient(backend, &bridge.ClientConfig{
		Name:           cfg.Type,
		Timeout:        cfg.Timeout,
		UnlockInterval: cfg.UnlockInterval,
		Logger:         log,
		Audit:          trail,
	})
}

// NewAuditTrail builds the recorder described by cfg. The returned
// memory trail is nil when cfg is disabled, and the recorder is nil when
// nothing is recorded at all.
func NewAuditTrail(cfg *config.AuditConfig, log logger.Logger) (audit.Recorder, *audit.Memory) {
	var (
		recorders []audit.Recorder
		mem       *audit.Memory
	)
	if cfg.Enabled {
		mem = audit.NewMemory(cfg.Capacity)
		recorders = append(recorders, mem)
	}
	if cfg.Log {
		recorders = append(recorders, audit.NewLog(log))
	}
	return audit.Multi(recorders...), mem
}
