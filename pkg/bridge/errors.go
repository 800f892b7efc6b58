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

package bridge

import "errors"

var (
	ErrDeclined        = errors.New("bridge: signature declined by backend")
	ErrBackend         = errors.New("bridge: backend call failed")
	ErrUnlockThrottled = errors.New("bridge: unlock throttled")
	ErrUnsupported     = errors.New("bridge: algorithm not supported by backend")
	ErrInvalidConfig   = errors.New("bridge: invalid configuration")
)
