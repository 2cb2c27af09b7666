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

// Package courier implements the yapyap message delivery engine: the
// inbound processor, the outbox dispatcher with its retry scheduler,
// and the store-and-forward router. One envelope travels per stream;
// acknowledgements come back on fresh streams, correlated by the
// original message id.
package courier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/transport"
)

// ProtocolID identifies the delivery protocol on the transport.
const ProtocolID = "/yapyap/msg/1.0.0"

// ErrShuttingDown is returned by enqueue once shutdown has begun.
var ErrShuttingDown = errors.New("courier: shutting down")

// Config carries the delivery engine tunables. Zero values are replaced
// by the documented defaults.
type Config struct {
	Workers      int           // dispatcher worker pool size
	MaxAttempts  int           // direct attempts before store-and-forward
	ReplicaCount int           // relays per offline recipient

	AckTimeout   time.Duration // wait for a correlated ACK/NAK
	DialTimeout  time.Duration // open stream budget
	ReadTimeout  time.Duration // inbound envelope read budget
	WriteTimeout time.Duration // stream write budget

	BackoffBase time.Duration // first retry delay
	BackoffCap  time.Duration // retry delay ceiling

	SweepInterval time.Duration // TTL sweeper cadence
	MessageTTL    time.Duration // default outbox entry lifetime
	Retention     time.Duration // processed marker / terminal entry retention
}

// withDefaults fills unset fields with the protocol defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.ReplicaCount <= 0 {
		c.ReplicaCount = 3
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 7 * 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// writeEnvelope sends one framed envelope and half-closes the stream,
// per the one-envelope-per-stream contract.
func writeEnvelope(s transport.Stream, m message.Message, timeout time.Duration) error {
	s.SetWriteDeadline(time.Now().Add(timeout))
	if err := message.WriteFrame(s, m); err != nil {
		return err
	}
	return s.CloseWrite()
}

// writeRawEnvelope sends an already encoded envelope body.
func writeRawEnvelope(s transport.Stream, body []byte, timeout time.Duration) error {
	s.SetWriteDeadline(time.Now().Add(timeout))
	if err := message.WriteRawFrame(s, body); err != nil {
		return err
	}
	return s.CloseWrite()
}

// sendOneShot opens a stream to peer, writes one envelope and closes.
// Used for ACKs, NAKs and delivery receipts; the response, if any,
// arrives on a fresh inbound stream.
func sendOneShot(ctx context.Context, net transport.Transport, peer message.PeerID, m message.Message, dialTimeout, writeTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	s, err := net.OpenStream(ctx, peer, ProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeEnvelope(s, m, writeTimeout)
}

func newAck(self, to message.PeerID, originalID string) *message.Ack {
	return &message.Ack{
		MsgID:      uuid.NewString(),
		From:       self,
		To:         to,
		Timestamp:  nowMillis(),
		OriginalID: originalID,
	}
}

func newNak(self, to message.PeerID, originalID, reason string) *message.Nak {
	return &message.Nak{
		MsgID:      uuid.NewString(),
		From:       self,
		To:         to,
		Timestamp:  nowMillis(),
		OriginalID: originalID,
		Reason:     reason,
	}
}
