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

// Command keyagent-pkcs11 builds the keyagent PKCS#11 module:
//
//	go build -buildmode=c-shared -o libkeyagent-pkcs11.so ./cmd/keyagent-pkcs11
//
// The module reads its configuration from $KEYAGENT_CONFIG or the usual
// keyagent.yaml search path and signs through the configured bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/internal/server"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/token"
)

// instance builds the token on first use. A configuration error is kept
// and reported to every caller.
var instance = sync.OnceValues(func() (*token.Module, error) {
	cfg, err := config.Load("", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyagent-pkcs11: %v\n", err)
		return nil, err
	}
	return newModule(context.Background(), cfg)
})

func newModule(ctx context.Context, cfg *config.Config) (*token.Module, error) {
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	// The token has no listener to serve an in-memory trail from.
	var trail audit.Recorder
	if cfg.Audit.Log {
		trail = audit.NewLog(log)
	}
	client, err := server.NewClient(ctx, &cfg.Bridge, log, trail)
	if err != nil {
		log.Error("failed to create bridge client", logger.Error(err))
		return nil, err
	}
	major, minor := libraryVersion(buildVersion())
	return token.New(client,
		token.WithLabel(cfg.Token.Label),
		token.WithManufacturer(cfg.Token.Manufacturer),
		token.WithModel(cfg.Token.Model),
		token.WithLibraryVersion(major, minor),
		token.WithLogger(log),
	), nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return ""
}

// libraryVersion extracts major.minor from a module version such as
// v1.4.2. Anything unparseable reports 0.0.
func libraryVersion(v string) (major, minor byte) {
	var hi, lo int
	if _, err := fmt.Sscanf(strings.TrimPrefix(v, "v"), "%d.%d", &hi, &lo); err != nil {
		return 0, 0
	}
	if hi < 0 || hi > 255 || lo < 0 || lo > 255 {
		return 0, 0
	}
	return byte(hi), byte(lo)
}

// returnValue maps a token error onto its CK_RV.
func returnValue(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	var ckErr pkcs11.Error
	if errors.As(err, &ckErr) {
		return uint(ckErr)
	}
	return pkcs11.CKR_GENERAL_ERROR
}

// pad copies s into dst, blank padded as cryptoki text fields are.
func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// attributeResult is how one template entry is answered.
type attributeResult struct {
	length   uint
	fill     bool
	tooSmall bool
}

// resolveAttribute decides the answer for one GetAttributeValue entry:
// value is nil when the attribute is unavailable, hasBuffer reports a
// non-NULL pValue and capacity its ulValueLen.
func resolveAttribute(value []byte, hasBuffer bool, capacity uint) attributeResult {
	switch {
	case value == nil:
		return attributeResult{length: pkcs11.CK_UNAVAILABLE_INFORMATION}
	case !hasBuffer:
		return attributeResult{length: uint(len(value))}
	case capacity < uint(len(value)):
		return attributeResult{length: pkcs11.CK_UNAVAILABLE_INFORMATION, tooSmall: true}
	default:
		return attributeResult{length: uint(len(value)), fill: true}
	}
}

func main() {}
