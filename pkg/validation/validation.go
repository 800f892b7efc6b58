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

// Package validation checks strings received from a signing backend
// before they reach PKCS#11 labels, SSH comments, or logs.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxAliasLength bounds an alias in bytes.
	MaxAliasLength = 255

	maxLogLength = 1000
)

// ValidateAlias rejects aliases that cannot be embedded in an
// authorized_keys line or a token label: empty, oversized, invalid
// UTF-8, or containing control characters.
func ValidateAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("alias cannot be empty")
	}
	if len(alias) > MaxAliasLength {
		return fmt.Errorf("alias too long (max %d bytes)", MaxAliasLength)
	}
	if !utf8.ValidString(alias) {
		return fmt.Errorf("alias is not valid UTF-8")
	}
	if i := strings.IndexFunc(alias, isControl); i >= 0 {
		return fmt.Errorf("alias contains control character at offset %d", i)
	}
	return nil
}

// SanitizeForLog strips control characters and truncates s so that
// backend-supplied text cannot forge log lines.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
