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

package awskms

import (
	"fmt"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
)

// Config contains configuration for the AWS KMS backend.
type Config struct {
	// Region is the AWS region holding the keys.
	Region string `yaml:"region" json:"region" mapstructure:"region"`

	// AccessKeyID is the AWS access key ID. Optional; the default
	// credential chain is used when empty.
	AccessKeyID string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" mapstructure:"access_key_id"`

	// SecretAccessKey is the AWS secret access key.
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" mapstructure:"secret_access_key"`

	// SessionToken is the AWS session token for temporary credentials.
	SessionToken string `yaml:"session_token,omitempty" json:"session_token,omitempty" mapstructure:"session_token"`

	// Endpoint overrides the KMS endpoint, e.g. "http://localhost:4566"
	// for LocalStack.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// KeyIDs lists the key IDs, ARNs or "alias/..." names to expose. When
	// empty every customer alias in the account is listed.
	KeyIDs []string `yaml:"key_ids,omitempty" json:"key_ids,omitempty" mapstructure:"key_ids"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("%w: aws region is required", bridge.ErrInvalidConfig)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%w: access_key_id and secret_access_key must be set together", bridge.ErrInvalidConfig)
	}
	return nil
}
