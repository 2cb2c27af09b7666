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

package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxEnvelopeSize is the hard cap on a single wire envelope, prefix
// excluded. Oversize envelopes are rejected before the body is read.
const MaxEnvelopeSize = 1 << 20

// RawField is an envelope field kept in its raw JSON form.
type RawField = json.RawMessage

var (
	ErrOversize   = errors.New("message: envelope exceeds 1 MiB")
	ErrShortFrame = errors.New("message: truncated frame")
)

// Envelope field names fixed by the wire protocol.
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldFrom      = "from"
	fieldTo        = "to"
	fieldTimestamp = "timestamp"
	fieldPayload   = "payload"
	fieldSequence  = "sequenceNumber"
	fieldClock     = "vectorClock"
	fieldOriginal  = "originalMessageId"
	fieldReason    = "reason"
	fieldStored    = "storedMessage"
)

// Encode serialises a message into its JSON envelope body, without the
// length prefix. Unknown fields carried in Extra are emitted verbatim;
// known fields always win over stale Extra entries.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	fields, err := fieldsOf(m)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxEnvelopeSize {
		return nil, ErrOversize
	}
	return body, nil
}

func fieldsOf(m Message) (map[string]RawField, error) {
	fields := make(map[string]RawField)
	var extra map[string]RawField

	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}
	var timestamp int64
	switch v := m.(type) {
	case *Data:
		timestamp, extra = v.Timestamp, v.Extra
		if v.Payload != nil {
			if err := put(fieldPayload, v.Payload); err != nil {
				return nil, err
			}
		}
		if err := put(fieldSequence, v.Sequence); err != nil {
			return nil, err
		}
		if len(v.Clock) > 0 {
			if err := put(fieldClock, v.Clock); err != nil {
				return nil, err
			}
		}
	case *Ack:
		timestamp, extra = v.Timestamp, v.Extra
		if err := put(fieldOriginal, v.OriginalID); err != nil {
			return nil, err
		}
	case *Nak:
		timestamp, extra = v.Timestamp, v.Extra
		if err := put(fieldOriginal, v.OriginalID); err != nil {
			return nil, err
		}
		if err := put(fieldReason, v.Reason); err != nil {
			return nil, err
		}
	case *StoreAndForward:
		timestamp, extra = v.Timestamp, v.Extra
		stored, err := fieldsOf(v.Stored)
		if err != nil {
			return nil, err
		}
		if err := put(fieldStored, stored); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownKind
	}
	for k, raw := range extra {
		fields[k] = raw
	}
	if err := put(fieldID, m.ID()); err != nil {
		return nil, err
	}
	if err := put(fieldType, m.Kind()); err != nil {
		return nil, err
	}
	if err := put(fieldFrom, m.Sender()); err != nil {
		return nil, err
	}
	if err := put(fieldTo, m.Recipient()); err != nil {
		return nil, err
	}
	if err := put(fieldTimestamp, timestamp); err != nil {
		return nil, err
	}
	return fields, nil
}

// Decode parses a JSON envelope body into its concrete variant.
func Decode(body []byte) (Message, error) {
	if len(body) > MaxEnvelopeSize {
		return nil, ErrOversize
	}
	var fields map[string]RawField
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("message: malformed envelope: %w", err)
	}
	return decodeFields(fields)
}

func decodeFields(fields map[string]RawField) (Message, error) {
	known := func(key string, v interface{}) (bool, error) {
		raw, ok := fields[key]
		if !ok {
			return false, nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return false, fmt.Errorf("message: bad %q field: %w", key, err)
		}
		return true, nil
	}
	var kind string
	if _, err := known(fieldType, &kind); err != nil {
		return nil, err
	}

	var (
		id        string
		from, to  PeerID
		timestamp int64
	)
	if _, err := known(fieldID, &id); err != nil {
		return nil, err
	}
	if _, err := known(fieldFrom, &from); err != nil {
		return nil, err
	}
	if _, err := known(fieldTo, &to); err != nil {
		return nil, err
	}
	if _, err := known(fieldTimestamp, &timestamp); err != nil {
		return nil, err
	}

	consumed := []string{fieldID, fieldType, fieldFrom, fieldTo, fieldTimestamp}

	var m Message
	switch kind {
	case KindData:
		v := &Data{MsgID: id, From: from, To: to, Timestamp: timestamp}
		if _, err := known(fieldPayload, &v.Payload); err != nil {
			return nil, err
		}
		if _, err := known(fieldSequence, &v.Sequence); err != nil {
			return nil, err
		}
		if _, err := known(fieldClock, &v.Clock); err != nil {
			return nil, err
		}
		consumed = append(consumed, fieldPayload, fieldSequence, fieldClock)
		m = v
	case KindAck:
		v := &Ack{MsgID: id, From: from, To: to, Timestamp: timestamp}
		if _, err := known(fieldOriginal, &v.OriginalID); err != nil {
			return nil, err
		}
		consumed = append(consumed, fieldOriginal)
		m = v
	case KindNak:
		v := &Nak{MsgID: id, From: from, To: to, Timestamp: timestamp}
		if _, err := known(fieldOriginal, &v.OriginalID); err != nil {
			return nil, err
		}
		if _, err := known(fieldReason, &v.Reason); err != nil {
			return nil, err
		}
		consumed = append(consumed, fieldOriginal, fieldReason)
		m = v
	case KindStoreAndForward:
		v := &StoreAndForward{MsgID: id, From: from, To: to, Timestamp: timestamp}
		var inner map[string]RawField
		ok, err := known(fieldStored, &inner)
		if err != nil {
			return nil, err
		}
		if ok {
			stored, err := decodeFields(inner)
			if err != nil {
				return nil, fmt.Errorf("message: bad stored message: %w", err)
			}
			data, isData := stored.(*Data)
			if !isData {
				return nil, fmt.Errorf("message: stored message must be %q, got %q", KindData, stored.Kind())
			}
			v.Stored = data
		}
		consumed = append(consumed, fieldStored)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	extra := make(map[string]RawField)
	for k, raw := range fields {
		extra[k] = raw
	}
	for _, k := range consumed {
		delete(extra, k)
	}
	if len(extra) > 0 {
		setExtra(m, extra)
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func setExtra(m Message, extra map[string]RawField) {
	switch v := m.(type) {
	case *Data:
		v.Extra = extra
	case *Ack:
		v.Extra = extra
	case *Nak:
		v.Extra = extra
	case *StoreAndForward:
		v.Extra = extra
	}
}

// WriteFrame writes one envelope with its u32 big-endian length prefix.
func WriteFrame(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteRawFrame(w, body)
}

// WriteRawFrame frames an already encoded envelope body.
func WriteRawFrame(w io.Writer, body []byte) error {
	if len(body) > MaxEnvelopeSize {
		return ErrOversize
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed envelope and decodes it. Frames
// announcing more than MaxEnvelopeSize bytes are rejected without
// reading the body.
func ReadFrame(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxEnvelopeSize {
		return nil, ErrOversize
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrShortFrame
	}
	return Decode(body)
}
