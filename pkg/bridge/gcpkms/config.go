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

package gcpkms

import (
	"fmt"
	"os"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
)

// DefaultKeyVersion is the crypto key version used when none is set.
const DefaultKeyVersion = "1"

// Config contains configuration for the Google Cloud KMS backend.
type Config struct {
	// ProjectID is the GCP project holding the key ring.
	ProjectID string `yaml:"project_id" json:"project_id" mapstructure:"project_id"`

	// LocationID is the key ring location, e.g. "us-east1" or "global".
	LocationID string `yaml:"location_id" json:"location_id" mapstructure:"location_id"`

	// KeyRingID names the key ring within the project and location.
	KeyRingID string `yaml:"key_ring_id" json:"key_ring_id" mapstructure:"key_ring_id"`

	// CredentialsFile is a service account JSON key. Application Default
	// Credentials are used when empty.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	// Endpoint overrides the KMS API endpoint, e.g. "localhost:8080" for
	// an emulator.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// KeyVersion is the crypto key version used for every key.
	KeyVersion string `yaml:"key_version,omitempty" json:"key_version,omitempty" mapstructure:"key_version"`

	// Keys lists the crypto key IDs to expose. When empty every
	// ASYMMETRIC_SIGN key in the key ring is listed.
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty" mapstructure:"keys"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: gcp project_id is required", bridge.ErrInvalidConfig)
	}
	if c.LocationID == "" {
		return fmt.Errorf("%w: gcp location_id is required", bridge.ErrInvalidConfig)
	}
	if c.KeyRingID == "" {
		return fmt.Errorf("%w: gcp key_ring_id is required", bridge.ErrInvalidConfig)
	}
	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return fmt.Errorf("%w: credentials file: %w", bridge.ErrInvalidConfig, err)
		}
	}
	return nil
}

// KeyRingName returns the key ring resource name.
func (c *Config) KeyRingName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s", c.ProjectID, c.LocationID, c.KeyRingID)
}

// VersionName returns the resource name of the configured version of key.
func (c *Config) VersionName(key string) string {
	version := c.KeyVersion
	if version == "" {
		version = DefaultKeyVersion
	}
	return fmt.Sprintf("%s/cryptoKeys/%s/cryptoKeyVersions/%s", c.KeyRingName(), key, version)
}
