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

// Package bridge defines the contract with the remote key custodian and a
// client that layers timeouts, the unlock retry, metrics and logging on
// top of it.
package bridge

import (
	"context"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// Backend is the remote key custodian. It holds every private key and
// only ever returns public components and signatures.
type Backend interface {
	// ListKeys returns the current key listing.
	ListKeys(ctx context.Context) ([]keys.Entry, error)

	// Sign signs data with the key named alias using a backend algorithm
	// name such as "SHA256withECDSA" or "NONEwithRSA". ECDSA signatures
	// are DER encoded. An empty signature with a nil error means the
	// backend declined, typically because user authentication expired.
	Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error)

	// Unlock asks the user to re-authenticate. It reports whether the
	// backend is now unlocked.
	Unlock(ctx context.Context) (bool, error)
}
