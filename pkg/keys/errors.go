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

package keys

import "errors"

var (
	ErrUnsupportedAlgorithm = errors.New("keys: unsupported algorithm")
	ErrInvalidEntry         = errors.New("keys: invalid listing entry")
	ErrInvalidListing       = errors.New("keys: listing is not a JSON array")
	ErrCoordinateTooLong    = errors.New("keys: EC coordinate exceeds curve size")
	ErrMalformedSignature   = errors.New("keys: malformed DER signature")
	ErrUnsupportedKey       = errors.New("keys: unsupported public key type")
)
