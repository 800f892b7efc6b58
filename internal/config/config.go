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

// Package config loads the keyagent configuration from defaults, a YAML
// file, KEYAGENT_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyagent/pkg/bridge/awskms"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/azurekv"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/gcpkms"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/termux"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/vault"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. KEYAGENT_BRIDGE_TYPE.
	EnvPrefix = "KEYAGENT"

	// EnvConfigFile names the config file for processes without flags,
	// such as the PKCS#11 module.
	EnvConfigFile = "KEYAGENT_CONFIG"

	configName = "keyagent"
)

// Bridge types
const (
	BridgeTermux  = "termux"
	BridgeVault   = "vault"
	BridgeAWSKMS  = "awskms"
	BridgeGCPKMS  = "gcpkms"
	BridgeAzureKV = "azurekv"
)

// Config is the complete keyagent configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Agent   AgentConfig   `yaml:"agent" mapstructure:"agent"`
	Token   TokenConfig   `yaml:"token" mapstructure:"token"`
	Bridge  BridgeConfig  `yaml:"bridge" mapstructure:"bridge"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Audit   AuditConfig   `yaml:"audit" mapstructure:"audit"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AgentConfig controls the SSH agent socket
type AgentConfig struct {
	// Socket is the socket path; empty generates one under $TMPDIR
	Socket          string `yaml:"socket" mapstructure:"socket"`
	SocketMode      string `yaml:"socket_mode" mapstructure:"socket_mode"`
	RequireSameUser bool   `yaml:"require_same_user" mapstructure:"require_same_user"`
	MaxMessageSize  int    `yaml:"max_message_size" mapstructure:"max_message_size"`
}

// TokenConfig controls what the PKCS#11 token reports
type TokenConfig struct {
	Label        string `yaml:"label" mapstructure:"label"`
	Manufacturer string `yaml:"manufacturer" mapstructure:"manufacturer"`
	Model        string `yaml:"model" mapstructure:"model"`
}

// BridgeConfig selects and configures the signing backend
type BridgeConfig struct {
	Type           string        `yaml:"type" mapstructure:"type"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UnlockInterval time.Duration `yaml:"unlock_interval" mapstructure:"unlock_interval"`

	Termux  termux.Config  `yaml:"termux" mapstructure:"termux"`
	Vault   vault.Config   `yaml:"vault" mapstructure:"vault"`
	AWSKMS  awskms.Config  `yaml:"awskms" mapstructure:"awskms"`
	GCPKMS  gcpkms.Config  `yaml:"gcpkms" mapstructure:"gcpkms"`
	AzureKV azurekv.Config `yaml:"azurekv" mapstructure:"azurekv"`
}

// MetricsConfig controls the metrics and health listener
type MetricsConfig struct {
	Enabled   bool            `yaml:"enabled" mapstructure:"enabled"`
	Address   string          `yaml:"address" mapstructure:"address"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AuditConfig controls the record of list, sign and unlock requests.
// Capacity bounds the in-memory trail served at /audit; Log also writes
// each event to the log.
type AuditConfig struct {
	Enabled  bool `yaml:"enabled" mapstructure:"enabled"`
	Capacity int  `yaml:"capacity" mapstructure:"capacity"`
	Log      bool `yaml:"log" mapstructure:"log"`
}

// RateLimitConfig throttles scrapers of the metrics listener per
// remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// defaults lists every key so environment variables can override it.
var defaults = map[string]any{
	"logging.level":  "info",
	"logging.format": "text",

	"agent.socket":            "",
	"agent.socket_mode":       "0600",
	"agent.require_same_user": true,
	"agent.max_message_size":  256 * 1024,

	"token.label":        "keyagent",
	"token.manufacturer": "keyagent",
	"token.model":        "keyagent",

	"bridge.type":            BridgeTermux,
	"bridge.timeout":         2 * time.Minute,
	"bridge.unlock_interval": time.Duration(0),

	"bridge.termux.am_path":  termux.DefaultAmPath,
	"bridge.termux.receiver": termux.DefaultReceiver,
	"bridge.termux.user":     termux.DefaultUser,

	"bridge.vault.address":         "",
	"bridge.vault.token":           "",
	"bridge.vault.namespace":       "",
	"bridge.vault.mount":           "transit",
	"bridge.vault.keys":            []string{},
	"bridge.vault.tls_skip_verify": false,

	"bridge.awskms.region":            "",
	"bridge.awskms.endpoint":          "",
	"bridge.awskms.access_key_id":     "",
	"bridge.awskms.secret_access_key": "",
	"bridge.awskms.session_token":     "",
	"bridge.awskms.key_ids":           []string{},

	"bridge.gcpkms.project_id":       "",
	"bridge.gcpkms.location_id":      "",
	"bridge.gcpkms.key_ring_id":      "",
	"bridge.gcpkms.credentials_file": "",
	"bridge.gcpkms.endpoint":         "",
	"bridge.gcpkms.key_version":      gcpkms.DefaultKeyVersion,
	"bridge.gcpkms.keys":             []string{},

	"bridge.azurekv.vault_url":     "",
	"bridge.azurekv.tenant_id":     "",
	"bridge.azurekv.client_id":     "",
	"bridge.azurekv.client_secret": "",
	"bridge.azurekv.keys":          []string{},

	"metrics.enabled": false,
	"metrics.address": "127.0.0.1:9464",

	"metrics.rate_limit.enabled":             false,
	"metrics.rate_limit.requests_per_minute": 600,
	"metrics.rate_limit.burst":               20,

	"audit.enabled":  true,
	"audit.capacity": 256,
	"audit.log":      false,
}

// FlagKeys maps command line flag names to configuration keys.
var FlagKeys = map[string]string{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"socket":     "agent.socket",
	"bridge":     "bridge.type",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	if err := newViper().Unmarshal(&c); err != nil {
		panic(err)
	}
	return &c
}

// Load builds the configuration. An explicit path must exist; otherwise
// keyagent.yaml is searched for in the user and system config
// directories and the working directory, and may be absent. Flags that
// appear in FlagKeys override every other source when set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

// searchPaths returns the directories searched for keyagent.yaml.
func searchPaths() []string {
	var dirs []string
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, configName))
	}
	if runtime.GOOS != "windows" {
		dirs = append(dirs, "/etc/keyagent")
	}
	return append(dirs, ".")
}

// DefaultPath returns the per-user config file path.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, configName, configName+".yaml"), nil
}

// Write saves c as YAML. Existing files are not replaced unless force
// is set.
func Write(c *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	// may hold backend credentials
	return os.WriteFile(path, data, 0600)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if _, err := c.Agent.Mode(); err != nil {
		return err
	}
	if c.Agent.MaxMessageSize < 5 {
		return fmt.Errorf("agent max_message_size too small: %d", c.Agent.MaxMessageSize)
	}

	if c.Bridge.Timeout < 0 {
		return fmt.Errorf("bridge timeout must not be negative")
	}
	if c.Bridge.UnlockInterval < 0 {
		return fmt.Errorf("bridge unlock_interval must not be negative")
	}
	switch c.Bridge.Type {
	case BridgeTermux:
		if c.Bridge.Termux.AmPath == "" {
			return fmt.Errorf("bridge.termux.am_path is required")
		}
	case BridgeVault:
		if err := c.Bridge.Vault.Validate(); err != nil {
			return err
		}
	case BridgeAWSKMS:
		if err := c.Bridge.AWSKMS.Validate(); err != nil {
			return err
		}
	case BridgeGCPKMS:
		if err := c.Bridge.GCPKMS.Validate(); err != nil {
			return err
		}
	case BridgeAzureKV:
		if err := c.Bridge.AzureKV.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid bridge type: %q (must be termux, vault, awskms, gcpkms, or azurekv)", c.Bridge.Type)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if c.Audit.Enabled && c.Audit.Capacity <= 0 {
		return fmt.Errorf("audit.capacity must be positive")
	}
	if rl := c.Metrics.RateLimit; rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst < 0) {
		return fmt.Errorf("metrics.rate_limit requires a positive requests_per_minute and non-negative burst")
	}
	return nil
}

// Mode parses the octal socket mode.
func (a AgentConfig) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(a.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("invalid agent socket_mode: %q", a.SocketMode)
	}
	return os.FileMode(m), nil
}
