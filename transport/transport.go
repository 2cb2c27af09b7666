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

// Package transport defines the narrow surface yapyap requires from the
// underlying peer-to-peer stack: dial a peer, open a bidirectional
// stream on a protocol ID, register a stream handler and list connected
// peers. The encrypted stream multiplexer, DHT and NAT traversal behind
// these calls are external collaborators.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
)

var (
	// ErrPeerUnreachable is returned when no route to the peer exists.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrClosed is returned after the transport has shut down.
	ErrClosed = errors.New("transport: closed")
)

// Stream is one bidirectional protocol stream. The initiator writes its
// envelope and closes the write side; the responder answers on a fresh
// stream, never on the same one.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// CloseWrite half-closes the stream, signalling EOF to the reader.
	CloseWrite() error
	// Reset aborts the stream in both directions.
	Reset() error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Handler is invoked once per accepted inbound stream.
type Handler func(remote message.PeerID, s Stream)

// Transport is the capability handle handed to the delivery engine.
type Transport interface {
	// Self returns the local peer ID.
	Self() message.PeerID

	// OpenStream dials the peer if needed and opens a stream speaking
	// the given protocol. It honours ctx cancellation and deadline.
	OpenStream(ctx context.Context, peer message.PeerID, protocol string) (Stream, error)

	// SetStreamHandler registers the inbound handler for a protocol.
	// Passing a nil handler removes the registration.
	SetStreamHandler(protocol string, h Handler)

	// Peers returns a snapshot of the currently connected peer set.
	Peers() []message.PeerID

	// Connect dials a bootstrap address ("multiaddr" in deployments).
	Connect(ctx context.Context, addr string) error

	Close() error
}

// Factory builds a transport bound to a node identity. The supervisor
// calls it after the identity has been loaded from storage.
type Factory func(id *crypto.Identity, listenAddr string) (Transport, error)
