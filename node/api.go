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

package node

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
)

// ErrInvalidRecipient is returned by Send for malformed peer IDs.
var ErrInvalidRecipient = errors.New("node: invalid recipient peer id")

// Send seals plaintext to the recipient and queues it for delivery,
// returning the message id. The message survives restarts and is
// retried until acknowledged or its TTL expires.
func (n *Node) Send(ctx context.Context, to message.PeerID, plaintext []byte) (string, error) {
	store, id, _, engine, err := n.runningParts()
	if err != nil {
		return "", err
	}
	if !crypto.ValidPeerID(to) {
		return "", ErrInvalidRecipient
	}

	sealed, err := crypto.Seal(to, plaintext)
	if err != nil {
		return "", err
	}
	seq, clock, err := store.NextSequence(ctx, id.PeerID(), to)
	if err != nil {
		return "", err
	}
	data := &message.Data{
		MsgID:     uuid.NewString(),
		From:      id.PeerID(),
		To:        to,
		Timestamp: time.Now().UnixMilli(),
		Payload:   sealed,
		Sequence:  seq,
		Clock:     clock,
	}
	blob, err := message.Encode(data)
	if err != nil {
		return "", err
	}
	if _, err := store.EnqueueOutbound(ctx, storage.OutboxInsert{
		MessageID: data.MsgID,
		Target:    to,
		Origin:    id.PeerID(),
		Blob:      blob,
		ExpiresAt: time.Now().Add(n.cfg.MessageTTL),
	}); err != nil {
		return "", err
	}
	engine.Dispatcher.Kick()
	return data.MsgID, nil
}

// Inbox lists admitted messages, newest first.
func (n *Node) Inbox(ctx context.Context, limit int) ([]storage.InboxMessage, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return nil, err
	}
	return store.ListInbox(ctx, limit)
}

// Outbox lists queued and retained entries, optionally filtered by
// status.
func (n *Node) Outbox(ctx context.Context, status storage.Status, limit int) ([]storage.OutboxEntry, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return nil, err
	}
	return store.ListOutbox(ctx, status, limit)
}

// Stats is a point-in-time snapshot of the node's delivery state.
type Stats struct {
	PeerID         message.PeerID           `json:"peerId"`
	ConnectedPeers int                      `json:"connectedPeers"`
	Outbox         map[storage.Status]int64 `json:"outbox"`
	ProcessedCount int64                    `json:"processedCount"`
}

// Stats reports connectivity and queue depths.
func (n *Node) Stats(ctx context.Context) (Stats, error) {
	store, id, net, _, err := n.runningParts()
	if err != nil {
		return Stats{}, err
	}
	counts, err := store.OutboxCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	processed, err := store.ProcessedCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		PeerID:         id.PeerID(),
		ConnectedPeers: len(net.Peers()),
		Outbox:         counts,
		ProcessedCount: processed,
	}, nil
}

// MessageSeen reports whether an inbound message id has already been
// admitted, i.e. its dedup marker exists.
func (n *Node) MessageSeen(ctx context.Context, messageID string) (bool, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return false, err
	}
	return store.IsProcessed(ctx, messageID)
}

// PeerSequence returns the highest sequence number admitted from peer,
// zero when nothing was admitted yet.
func (n *Node) PeerSequence(ctx context.Context, peer message.PeerID) (uint64, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return 0, err
	}
	return store.LastSequence(ctx, peer)
}

// UpsertContact merges a contact record under last-writer-wins rules
// and reports whether the update won.
func (n *Node) UpsertContact(ctx context.Context, c storage.Contact) (bool, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return false, err
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	return store.UpsertContact(ctx, c)
}

// Contacts lists the known contacts, most recently seen first.
func (n *Node) Contacts(ctx context.Context) ([]storage.Contact, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return nil, err
	}
	return store.ListContacts(ctx)
}

// RemoveContact deletes a contact record.
func (n *Node) RemoveContact(ctx context.Context, peer message.PeerID) error {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return err
	}
	return store.RemoveContact(ctx, peer)
}

// UpsertRoute merges a routing record under last-writer-wins rules.
func (n *Node) UpsertRoute(ctx context.Context, r storage.Route) (bool, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return false, err
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}
	return store.UpsertRoute(ctx, r)
}

// Routes lists the known routing records.
func (n *Node) Routes(ctx context.Context) ([]storage.Route, error) {
	store, _, _, _, err := n.runningParts()
	if err != nil {
		return nil, err
	}
	return store.ListRoutes(ctx)
}
