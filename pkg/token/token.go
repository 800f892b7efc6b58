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

// Package token implements a single-slot PKCS#11 token whose keys live in
// a remote backend. Methods return pkcs11.Error codes so the C export
// layer can hand them to the caller unchanged.
package token

import (
	"context"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/correlation"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
)

// SlotID is the id of the only slot.
const SlotID uint = 10

const (
	DefaultLabel        = "keyagent"
	DefaultManufacturer = "keyagent"
	DefaultModel        = "keyagent"

	libraryDescription = "keyagent remote signing token"
	slotDescription    = "keyagent slot"
)

// Backend lists keys and signs with them.
type Backend interface {
	session.KeyLister
	Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error)
}

// Option configures a Module.
type Option func(*Module)

// WithLibraryVersion sets the version reported by Info.
func WithLibraryVersion(major, minor byte) Option {
	return func(m *Module) {
		m.libraryVersion = pkcs11.Version{Major: major, Minor: minor}
	}
}

// WithLabel sets the token label.
func WithLabel(label string) Option {
	return func(m *Module) { m.label = label }
}

// WithManufacturer sets the manufacturer id reported for library, slot
// and token.
func WithManufacturer(manufacturer string) Option {
	return func(m *Module) { m.manufacturer = manufacturer }
}

// WithModel sets the token model.
func WithModel(model string) Option {
	return func(m *Module) { m.model = model }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Module) { m.logger = log }
}

// Module is the token surface.
type Module struct {
	backend Backend
	store   *session.Store
	logger  logger.Logger

	label          string
	manufacturer   string
	model          string
	libraryVersion pkcs11.Version

	// correlation ids by session handle
	ids sync.Map
}

// New creates a Module signing through backend.
func New(backend Backend, opts ...Option) *Module {
	m := &Module{
		backend:      backend,
		store:        session.NewStore(backend),
		label:        DefaultLabel,
		manufacturer: DefaultManufacturer,
		model:        DefaultModel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.NewNop()
	}
	return m
}

// Initialize does nothing; the backend is contacted lazily.
func (m *Module) Initialize() error {
	return nil
}

// Finalize does nothing; open sessions stay valid.
func (m *Module) Finalize() error {
	return nil
}

// Info returns the library information.
func (m *Module) Info() pkcs11.Info {
	return pkcs11.Info{
		CryptokiVersion:    pkcs11.Version{Major: 2, Minor: 40},
		ManufacturerID:     m.manufacturer,
		LibraryDescription: libraryDescription,
		LibraryVersion:     m.libraryVersion,
	}
}

// SlotList returns the slot ids.
func (m *Module) SlotList() []uint {
	return []uint{SlotID}
}

// SlotInfo describes slot.
func (m *Module) SlotInfo(slot uint) (pkcs11.SlotInfo, error) {
	if slot != SlotID {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.SlotInfo{
		SlotDescription: slotDescription,
		ManufacturerID:  m.manufacturer,
		Flags:           pkcs11.CKF_TOKEN_PRESENT | pkcs11.CKF_HW_SLOT,
	}, nil
}

// TokenInfo describes the token in slot. Session counts are live.
func (m *Module) TokenInfo(slot uint) (pkcs11.TokenInfo, error) {
	if slot != SlotID {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	count := uint(m.store.Count())
	return pkcs11.TokenInfo{
		Label:              m.label,
		ManufacturerID:     m.manufacturer,
		Model:              m.model,
		Flags:              pkcs11.CKF_TOKEN_INITIALIZED,
		MaxSessionCount:    pkcs11.CK_EFFECTIVELY_INFINITE,
		SessionCount:       count,
		MaxRwSessionCount:  pkcs11.CK_EFFECTIVELY_INFINITE,
		RwSessionCount:     count,
		TotalPublicMemory:  pkcs11.CK_UNAVAILABLE_INFORMATION,
		FreePublicMemory:   pkcs11.CK_UNAVAILABLE_INFORMATION,
		TotalPrivateMemory: pkcs11.CK_UNAVAILABLE_INFORMATION,
		FreePrivateMemory:  pkcs11.CK_UNAVAILABLE_INFORMATION,
	}, nil
}

// OpenSession snapshots the backend key listing into a new session.
func (m *Module) OpenSession(ctx context.Context, slot, flags uint) (session.Handle, error) {
	if slot != SlotID {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}

	ctx, id := correlation.New(ctx)
	h, err := m.store.Create(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "token: open session failed", logger.Error(err))
		return 0, pkcs11.Error(pkcs11.CKR_GENERAL_ERROR)
	}
	m.ids.Store(h, id)
	metrics.SetOpenSessions(m.store.Count())
	m.logger.DebugContext(ctx, "token: session opened", logger.Uint("session", uint(h)))
	return h, nil
}

// CloseSession discards the session.
func (m *Module) CloseSession(h session.Handle) error {
	if err := m.store.Close(h); err != nil {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	m.ids.Delete(h)
	metrics.SetOpenSessions(m.store.Count())
	return nil
}

// SessionCount returns the number of open sessions.
func (m *Module) SessionCount() int {
	return m.store.Count()
}

func (m *Module) session(h session.Handle) (*session.Session, error) {
	sess, err := m.store.Get(h)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return sess, nil
}

func (m *Module) context(ctx context.Context, h session.Handle) context.Context {
	if id, ok := m.ids.Load(h); ok {
		return correlation.With(ctx, id.(string))
	}
	return ctx
}
