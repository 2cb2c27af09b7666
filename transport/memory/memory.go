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

// Package memory provides a process-local transport. Every node joined
// to the same Network can reach every other joined node that is online.
// It backs the test suite and the CLI's loopback mode.
package memory

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/transport"
)

// Network is the shared fabric connecting in-process transports.
type Network struct {
	mu    sync.RWMutex
	nodes map[message.PeerID]*Transport
}

// NewNetwork creates an empty fabric.
func NewNetwork() *Network {
	return &Network{nodes: make(map[message.PeerID]*Transport)}
}

// Join attaches a new node to the fabric, online immediately.
func (n *Network) Join(id *crypto.Identity) *Transport {
	t := &Transport{
		net:      n,
		self:     id.PeerID(),
		handlers: make(map[string]transport.Handler),
		online:   true,
	}
	n.mu.Lock()
	n.nodes[t.self] = t
	n.mu.Unlock()
	return t
}

// Factory returns a transport.Factory joining nodes to this network.
func (n *Network) Factory() transport.Factory {
	return func(id *crypto.Identity, _ string) (transport.Transport, error) {
		return n.Join(id), nil
	}
}

func (n *Network) lookup(peer message.PeerID) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[peer]
	if !ok || !t.isOnline() {
		return nil, false
	}
	return t, true
}

// Transport is one node's endpoint on the in-memory fabric.
type Transport struct {
	net  *Network
	self message.PeerID

	mu       sync.RWMutex
	handlers map[string]transport.Handler
	online   bool
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// Self returns the local peer ID.
func (t *Transport) Self() message.PeerID { return t.self }

// SetOnline flips the node's reachability. Offline nodes reject inbound
// and outbound streams and vanish from peer listings.
func (t *Transport) SetOnline(online bool) {
	t.mu.Lock()
	if !t.closed {
		t.online = online
	}
	t.mu.Unlock()
}

func (t *Transport) isOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online && !t.closed
}

// SetStreamHandler registers or removes the handler for a protocol.
func (t *Transport) SetStreamHandler(protocol string, h transport.Handler) {
	t.mu.Lock()
	if h == nil {
		delete(t.handlers, protocol)
	} else {
		t.handlers[protocol] = h
	}
	t.mu.Unlock()
}

func (t *Transport) handler(protocol string) (transport.Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[protocol]
	return h, ok
}

// OpenStream opens a stream to a joined, online peer.
func (t *Transport) OpenStream(ctx context.Context, peer message.PeerID, protocol string) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.isOnline() {
		return nil, transport.ErrClosed
	}
	remote, ok := t.net.lookup(peer)
	if !ok {
		return nil, transport.ErrPeerUnreachable
	}
	h, ok := remote.handler(protocol)
	if !ok {
		return nil, transport.ErrPeerUnreachable
	}
	local, far := newStreamPair()
	go h(t.self, far)
	return local, nil
}

// Peers lists every other online node on the fabric.
func (t *Transport) Peers() []message.PeerID {
	if !t.isOnline() {
		return nil
	}
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	peers := make([]message.PeerID, 0, len(t.net.nodes))
	for id, other := range t.net.nodes {
		if id != t.self && other.isOnline() {
			peers = append(peers, id)
		}
	}
	return peers
}

// Connect resolves a loopback address of the form "/mem/<peerID>" (a
// bare peer ID is accepted too) and verifies the peer is reachable.
func (t *Transport) Connect(_ context.Context, addr string) error {
	peer := message.PeerID(strings.TrimPrefix(addr, "/mem/"))
	if _, ok := t.net.lookup(peer); !ok {
		return transport.ErrPeerUnreachable
	}
	return nil
}

// Close detaches the node from the fabric.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.online = false
	t.mu.Unlock()

	t.net.mu.Lock()
	delete(t.net.nodes, t.self)
	t.net.mu.Unlock()
	return nil
}

// stream is one end of an in-memory duplex pipe.
type stream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newStreamPair() (*stream, *stream) {
	ar, bw := io.Pipe() // b writes, a reads
	br, aw := io.Pipe() // a writes, b reads
	return &stream{r: ar, w: aw}, &stream{r: br, w: bw}
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stream) CloseWrite() error { return s.w.Close() }

func (s *stream) Close() error {
	s.w.Close()
	return s.r.Close()
}

func (s *stream) Reset() error {
	s.w.CloseWithError(io.ErrClosedPipe)
	s.r.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Pipe streams carry no timers; deadlines are accepted and ignored.
func (s *stream) SetReadDeadline(time.Time) error  { return nil }
func (s *stream) SetWriteDeadline(time.Time) error { return nil }
