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

package azurekv

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
)

var vaultDomains = []string{
	".vault.azure.net",
	".vault.azure.cn",
	".vault.usgovcloudapi.net",
	".managedhsm.azure.net",
}

// Config contains configuration for the Azure Key Vault backend.
type Config struct {
	// VaultURL is the vault URL, e.g. "https://myvault.vault.azure.net/".
	VaultURL string `yaml:"vault_url" json:"vault_url" mapstructure:"vault_url"`

	// TenantID, ClientID and ClientSecret select a service principal.
	// DefaultAzureCredential is used when all three are empty.
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty" mapstructure:"client_secret"`

	// Keys lists the key names to expose. When empty every enabled key in
	// the vault is listed.
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty" mapstructure:"keys"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.VaultURL == "" {
		return fmt.Errorf("%w: azure vault_url is required", bridge.ErrInvalidConfig)
	}
	if !validVaultURL(c.VaultURL) {
		return fmt.Errorf("%w: invalid azure vault_url %q", bridge.ErrInvalidConfig, c.VaultURL)
	}
	set := 0
	for _, v := range []string{c.TenantID, c.ClientID, c.ClientSecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("%w: tenant_id, client_id and client_secret must be set together", bridge.ErrInvalidConfig)
	}
	return nil
}

// HasServicePrincipal reports whether client secret credentials are set.
func (c *Config) HasServicePrincipal() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

func validVaultURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	for _, d := range vaultDomains {
		if strings.HasSuffix(host, d) {
			return true
		}
	}
	return false
}
