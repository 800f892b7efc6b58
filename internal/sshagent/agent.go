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

// Package sshagent serves the SSH agent protocol over a unix socket,
// listing and signing with backend held keys.
package sshagent

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/keys"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
	"github.com/jeremyhahn/go-keyagent/pkg/session"
)

var (
	ErrUnknownKey     = errors.New("sshagent: key not found")
	ErrEmptySignature = errors.New("sshagent: backend returned an empty signature")
)

// Signer lists keys and signs with them.
type Signer interface {
	session.KeyLister
	Sign(ctx context.Context, alias, algorithm string, data []byte) ([]byte, error)
}

// Agent answers agent requests.
type Agent struct {
	signer Signer
	cache  *Cache
	logger logger.Logger
}

// NewAgent creates an Agent. A nil cache selects the shared cache.
func NewAgent(signer Signer, cache *Cache, log logger.Logger) *Agent {
	if cache == nil {
		cache = SharedCache()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Agent{signer: signer, cache: cache, logger: log}
}

// Handle processes one request body and returns the reply body. A non-nil
// error means the connection must be closed without a reply.
func (a *Agent) Handle(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return failureFrame, nil
	}

	name := messageName(req[0])
	switch req[0] {
	case msgRequestIdentities:
		reply, err := a.identities(ctx)
		if err != nil {
			metrics.RecordAgentRequest(name, metrics.StatusError)
			return nil, err
		}
		metrics.RecordAgentRequest(name, metrics.StatusSuccess)
		return reply, nil

	case msgSignRequest:
		reply, err := a.sign(ctx, req)
		if err != nil {
			a.logger.WarnContext(ctx, "sshagent: sign request failed", logger.Error(err))
			metrics.RecordAgentRequest(name, metrics.StatusError)
			return failureFrame, nil
		}
		metrics.RecordAgentRequest(name, metrics.StatusSuccess)
		return reply, nil

	default:
		a.logger.DebugContext(ctx, "sshagent: unsupported message", logger.Int("type", int(req[0])))
		metrics.RecordAgentRequest(name, metrics.StatusError)
		return failureFrame, nil
	}
}

func (a *Agent) identities(ctx context.Context) ([]byte, error) {
	ids, err := a.cache.Refresh(ctx, a.signer)
	if err != nil {
		return nil, fmt.Errorf("sshagent: listing keys: %w", err)
	}

	var body []byte
	for _, id := range ids {
		body = append(body, ssh.Marshal(identityEntry{Blob: id.blob, Comment: id.key.Alias})...)
	}
	return ssh.Marshal(identitiesAnswerMsg{NumKeys: uint32(len(ids)), Keys: body}), nil
}

func (a *Agent) sign(ctx context.Context, req []byte) ([]byte, error) {
	var msg signRequestMsg
	if err := ssh.Unmarshal(req, &msg); err != nil {
		return nil, fmt.Errorf("sshagent: malformed sign request: %w", err)
	}
	key, ok := a.cache.Lookup(msg.KeyBlob)
	if !ok {
		return nil, ErrUnknownKey
	}

	names := keys.ResolveSignatureAlgorithms(key, msg.Flags)
	sig, err := a.signer.Sign(ctx, key.Alias, names.Backend, msg.Data)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		return nil, ErrEmptySignature
	}

	blob := sig
	if key.Family() == keys.FamilyEC {
		r, s, err := keys.ParseDERSignature(sig)
		if err != nil {
			return nil, err
		}
		blob = ssh.Marshal(struct {
			R *big.Int
			S *big.Int
		}{r, s})
	}

	a.logger.DebugContext(ctx, "sshagent: signed",
		logger.String("alias", key.Alias), logger.String("algorithm", names.SSH))
	return ssh.Marshal(signResponseMsg{
		SigBlob: ssh.Marshal(ssh.Signature{Format: names.SSH, Blob: blob}),
	}), nil
}
