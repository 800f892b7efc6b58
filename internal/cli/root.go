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

// Package cli implements the keyagent command line.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/internal/server"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
)

// newBackend creates the signing backend for commands that need one.
var newBackend func(ctx context.Context, cfg *config.BridgeConfig, log logger.Logger) (bridge.Backend, error) = server.NewBackend

// options holds the persistent flag values shared by all commands.
type options struct {
	configFile   string
	outputFormat string
}

// NewRootCmd builds the keyagent command tree. Each call returns an
// independent tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "keyagent",
		Short: "Software token and SSH agent for remotely held keys",
		Long: `keyagent exposes keys held by a remote custodian through a PKCS#11
token module and an SSH agent socket. Signing is delegated to the
configured bridge:

  - termux:  Android keystore via Termux:API
  - vault:   HashiCorp Vault transit engine
  - awskms:  AWS Key Management Service
  - gcpkms:  Google Cloud Key Management Service
  - azurekv: Azure Key Vault`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default searches $XDG_CONFIG_HOME/keyagent, /etc/keyagent and .)")
	flags.StringVarP(&opts.outputFormat, "output", "o", "text", "output format (text, json, yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("bridge", "", "signing bridge (termux, vault, awskms, gcpkms, azurekv)")

	cmd.AddCommand(
		newAgentCmd(opts),
		newKeysCmd(opts),
		newTokenCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// loadConfig reads the configuration with cmd's flags applied on top.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(o.configFile, cmd.Flags())
}

// newLogger builds a stderr logger from the logging configuration.
func newLogger(cfg *config.Config) (logger.Logger, error) {
	return logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
}
