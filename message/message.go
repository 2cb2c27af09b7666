// Copyright 2026 The yapyap Authors
// This file is part of the yapyap library.
//
// The yapyap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The yapyap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the yapyap library. If not, see <http://www.gnu.org/licenses/>.

// Package message defines the yapyap wire messages and their codec.
//
// A message on the wire is a single length-prefixed JSON envelope. The
// decoder returns one of the four concrete variants (Data, Ack, Nak,
// StoreAndForward) rather than a generic field bag; unknown JSON fields
// survive a decode/encode round trip untouched.
package message

import (
	"errors"
	"fmt"
)

// PeerID is the stable public identifier of a node, the lowercase hex
// encoding of its Ed25519 public key.
type PeerID string

// Message kinds as they appear in the envelope "type" field.
const (
	KindData            = "data"
	KindAck             = "ack"
	KindNak             = "nak"
	KindStoreAndForward = "store-and-forward"
)

// NAK reasons. Terminal reasons stop the sender from retrying.
const (
	ReasonOversize         = "oversize"
	ReasonDecryptFailed    = "decrypt-failed"
	ReasonUnknownRecipient = "unknown-recipient"
	ReasonBusy             = "busy"
	ReasonStorage          = "storage"
	ReasonTTLExpired       = "ttl-expired"
)

// TerminalReason reports whether a NAK reason must terminate delivery
// attempts for the message it refers to.
func TerminalReason(reason string) bool {
	switch reason {
	case ReasonOversize, ReasonDecryptFailed, ReasonUnknownRecipient:
		return true
	}
	return false
}

var (
	ErrMissingField = errors.New("message: missing required field")
	ErrUnknownKind  = errors.New("message: unknown message type")
)

// Message is the closed set of wire message variants.
type Message interface {
	// ID returns the globally unique message identifier.
	ID() string
	// Kind returns the envelope type tag.
	Kind() string
	// Sender returns the originating peer.
	Sender() PeerID
	// Recipient returns the addressed peer.
	Recipient() PeerID

	isMessage()
}

// Data is an application message carrying a sealed payload.
type Data struct {
	MsgID     string
	From      PeerID
	To        PeerID
	Timestamp int64 // wall-clock milliseconds, advisory
	Payload   []byte
	Sequence  uint64
	Clock     Clock

	// Extra holds unrecognised envelope fields, preserved verbatim for
	// forward compatibility.
	Extra map[string]RawField
}

func (m *Data) ID() string        { return m.MsgID }
func (m *Data) Kind() string      { return KindData }
func (m *Data) Sender() PeerID    { return m.From }
func (m *Data) Recipient() PeerID { return m.To }
func (m *Data) isMessage()        {}

// Ack is a positive acknowledgement correlated to a prior message.
type Ack struct {
	MsgID      string
	From       PeerID
	To         PeerID
	Timestamp  int64
	OriginalID string

	Extra map[string]RawField
}

func (m *Ack) ID() string        { return m.MsgID }
func (m *Ack) Kind() string      { return KindAck }
func (m *Ack) Sender() PeerID    { return m.From }
func (m *Ack) Recipient() PeerID { return m.To }
func (m *Ack) isMessage()        {}

// Nak is a negative acknowledgement correlated to a prior message.
type Nak struct {
	MsgID      string
	From       PeerID
	To         PeerID
	Timestamp  int64
	OriginalID string
	Reason     string

	Extra map[string]RawField
}

func (m *Nak) ID() string        { return m.MsgID }
func (m *Nak) Kind() string      { return KindNak }
func (m *Nak) Sender() PeerID    { return m.From }
func (m *Nak) Recipient() PeerID { return m.To }
func (m *Nak) isMessage()        {}

// StoreAndForward wraps a Data message for indirect delivery via a relay.
// To addresses the relay; Stored.To is the ultimate recipient.
type StoreAndForward struct {
	MsgID     string
	From      PeerID
	To        PeerID
	Timestamp int64
	Stored    *Data

	Extra map[string]RawField
}

func (m *StoreAndForward) ID() string        { return m.MsgID }
func (m *StoreAndForward) Kind() string      { return KindStoreAndForward }
func (m *StoreAndForward) Sender() PeerID    { return m.From }
func (m *StoreAndForward) Recipient() PeerID { return m.To }
func (m *StoreAndForward) isMessage()        {}

// validate checks the variant-specific required fields.
func validate(m Message) error {
	if m.ID() == "" || m.Sender() == "" || m.Recipient() == "" {
		return fmt.Errorf("%w: id/from/to", ErrMissingField)
	}
	switch v := m.(type) {
	case *Data:
	case *Ack:
		if v.OriginalID == "" {
			return fmt.Errorf("%w: originalMessageId", ErrMissingField)
		}
	case *Nak:
		if v.OriginalID == "" {
			return fmt.Errorf("%w: originalMessageId", ErrMissingField)
		}
	case *StoreAndForward:
		if v.Stored == nil {
			return fmt.Errorf("%w: storedMessage", ErrMissingField)
		}
		return validate(v.Stored)
	default:
		return ErrUnknownKind
	}
	return nil
}
