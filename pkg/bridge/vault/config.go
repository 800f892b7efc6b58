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

package vault

import (
	"fmt"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
)

// Config holds the configuration for the Vault transit backend.
type Config struct {
	// Address is the Vault server address (e.g., "http://127.0.0.1:8200")
	Address string `yaml:"address" json:"address" mapstructure:"address"`

	// Token is the Vault authentication token
	Token string `yaml:"token" json:"token" mapstructure:"token"`

	// Namespace is the Vault namespace (Enterprise feature, optional)
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`

	// Mount is the transit secrets engine mount (default: "transit")
	Mount string `yaml:"mount" json:"mount" mapstructure:"mount"`

	// Keys restricts the listing to these key names. Empty lists every
	// asymmetric key on the mount.
	Keys []string `yaml:"keys" json:"keys" mapstructure:"keys"`

	// TLSSkipVerify disables TLS certificate verification
	TLSSkipVerify bool `yaml:"tls_skip_verify" json:"tls_skip_verify" mapstructure:"tls_skip_verify"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: vault address is required", bridge.ErrInvalidConfig)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: vault token is required", bridge.ErrInvalidConfig)
	}
	if c.Mount == "" {
		c.Mount = "transit"
	}
	return nil
}
