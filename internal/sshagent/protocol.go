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

package sshagent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message numbers from the SSH agent protocol.
const (
	msgFailure           = 5
	msgRequestIdentities = 11
	msgIdentitiesAnswer  = 12
	msgSignRequest       = 13
	msgSignResponse      = 14
)

// DefaultMaxMessageSize bounds inbound frames.
const DefaultMaxMessageSize = 256 * 1024

var (
	ErrFrameTooLarge = errors.New("sshagent: frame exceeds maximum message size")

	failureFrame = []byte{msgFailure}
)

type identitiesAnswerMsg struct {
	NumKeys uint32 `sshtype:"12"`
	Keys    []byte `ssh:"rest"`
}

type identityEntry struct {
	Blob    []byte
	Comment string
}

type signRequestMsg struct {
	KeyBlob []byte `sshtype:"13"`
	Data    []byte
	Flags   uint32
}

type signResponseMsg struct {
	SigBlob []byte `sshtype:"14"`
}

func messageName(t byte) string {
	switch t {
	case msgRequestIdentities:
		return "request_identities"
	case msgSignRequest:
		return "sign_request"
	default:
		return "unsupported"
	}
}

// readFrame reads one length-prefixed message.
func readFrame(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// writeFrame writes msg with its length prefix in a single write.
func writeFrame(w io.Writer, msg []byte) error {
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}
