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
	"fmt"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
)

// Reload applies the parts of cfg that can change without a restart.
// Only logging is reloaded; socket and bridge changes need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading server configuration...")
	if err := s.reloadLogging(cfg); err != nil {
		return fmt.Errorf("failed to reload logging configuration: %w", err)
	}
	if cfg.Agent != s.config.Agent || cfg.Bridge.Type != s.config.Bridge.Type {
		s.logger.Warn("Agent and bridge changes take effect after a restart")
	}

	s.config.Logging = cfg.Logging
	s.logger.Info("Server configuration reloaded successfully")
	return nil
}

// reloadLogging updates the logging configuration
func (s *Server) reloadLogging(cfg *config.Config) error {
	if cfg.Logging == s.config.Logging {
		return nil
	}

	s.logger.Info("Updating logging configuration",
		logger.String("old_level", s.config.Logging.Level),
		logger.String("new_level", cfg.Logging.Level),
		logger.String("old_format", s.config.Logging.Format),
		logger.String("new_format", cfg.Logging.Format))

	newLogger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	s.logger = newLogger

	s.logger.Info("Logging configuration updated",
		logger.String("level", cfg.Logging.Level),
		logger.String("format", cfg.Logging.Format))
	return nil
}
