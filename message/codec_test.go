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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleData() *Data {
	return &Data{
		MsgID:     "11111111-2222-3333-4444-555555555555",
		From:      "aa01",
		To:        "bb02",
		Timestamp: 1700000000123,
		Payload:   []byte("sealed bytes"),
		Sequence:  7,
		Clock:     Clock{"aa01": 7, "bb02": 3},
	}
}

func TestRoundTripVariants(t *testing.T) {
	msgs := []Message{
		sampleData(),
		&Ack{MsgID: "m-ack", From: "bb02", To: "aa01", Timestamp: 10, OriginalID: "m-orig"},
		&Nak{MsgID: "m-nak", From: "bb02", To: "aa01", Timestamp: 11, OriginalID: "m-orig", Reason: ReasonDecryptFailed},
		&StoreAndForward{MsgID: "m-sf", From: "aa01", To: "cc03", Timestamp: 12, Stored: sampleData()},
	}
	for _, m := range msgs {
		body, err := Encode(m)
		require.NoError(t, err, m.Kind())

		got, err := Decode(body)
		require.NoError(t, err, m.Kind())
		require.Equal(t, m, got, m.Kind())
	}
}

func TestDecodeReturnsVariant(t *testing.T) {
	body, err := Encode(&Nak{MsgID: "n1", From: "a", To: "b", Timestamp: 1, OriginalID: "o1", Reason: ReasonBusy})
	require.NoError(t, err)

	m, err := Decode(body)
	require.NoError(t, err)

	nak, ok := m.(*Nak)
	require.True(t, ok)
	require.Equal(t, "o1", nak.OriginalID)
	require.Equal(t, ReasonBusy, nak.Reason)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	raw := map[string]interface{}{
		"id":        "m1",
		"type":      KindData,
		"from":      "aa",
		"to":        "bb",
		"timestamp": 42,
		"futureFeature": map[string]interface{}{
			"nested": []int{1, 2, 3},
		},
		"anotherOne": "kept",
	}
	body, err := json.Marshal(raw)
	require.NoError(t, err)

	m, err := Decode(body)
	require.NoError(t, err)
	data := m.(*Data)
	require.Contains(t, data.Extra, "futureFeature")
	require.Contains(t, data.Extra, "anotherOne")

	reencoded, err := Encode(m)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reencoded, &out))
	require.JSONEq(t, `{"nested":[1,2,3]}`, string(out["futureFeature"]))
	require.JSONEq(t, `"kept"`, string(out["anotherOne"]))
}

func TestDecodeMissingFields(t *testing.T) {
	cases := []string{
		`{"type":"data","from":"a","to":"b","timestamp":1}`,                          // no id
		`{"id":"x","type":"ack","from":"a","to":"b","timestamp":1}`,                  // no originalMessageId
		`{"id":"x","type":"store-and-forward","from":"a","to":"b","timestamp":1}`,    // no storedMessage
		`{"id":"x","type":"teleport","from":"a","to":"b","timestamp":1}`,             // unknown kind
		`{"id":"x","type":"nak","from":"a","to":"b","timestamp":1,"reason":"busy"}`,  // no originalMessageId
		`{"id":"x","type":"data","from":"a","timestamp":1}`,                          // no to
	}
	for _, body := range cases {
		_, err := Decode([]byte(body))
		require.Error(t, err, body)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := sampleData()
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadFrameOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxEnvelopeSize+1)
	buf.Write(prefix[:])
	buf.WriteString("irrelevant")

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrOversize)
}

func TestEncodeOversize(t *testing.T) {
	m := sampleData()
	m.Payload = make([]byte, MaxEnvelopeSize)

	_, err := Encode(m)
	require.ErrorIs(t, err, ErrOversize)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrShortFrame)
}
