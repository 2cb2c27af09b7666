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

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/yapyap/yapyap/message"
)

// ReplicaState tracks one relay's progress with a replicated message.
type ReplicaState string

const (
	ReplicaAssigned  ReplicaState = "assigned"
	ReplicaStored    ReplicaState = "stored"
	ReplicaFailed    ReplicaState = "failed"
	ReplicaDelivered ReplicaState = "delivered"
)

// Replica is one (message, relay) assignment.
type Replica struct {
	MessageID  string
	Peer       message.PeerID
	State      ReplicaState
	LastError  string
	AssignedAt time.Time
}

// AssignReplica records that a message was handed to a relay. Repeat
// assignments for the same (message, relay) pair are no-ops and report
// false.
func (s *Store) AssignReplica(ctx context.Context, messageID string, peer message.PeerID, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replicas (message_id, replica_peer, state, assigned_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id, replica_peer) DO NOTHING`,
		messageID, string(peer), string(ReplicaAssigned), millis(now))
	if err != nil {
		return false, fmt.Errorf("storage: assign replica: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) setReplicaState(ctx context.Context, messageID string, peer message.PeerID, state ReplicaState, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE replicas SET state = ?, last_error = ? WHERE message_id = ? AND replica_peer = ?`,
		string(state), lastError, messageID, string(peer))
	if err != nil {
		return fmt.Errorf("storage: replica %s: %w", state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReplicaStored records the relay's storage acknowledgement.
func (s *Store) MarkReplicaStored(ctx context.Context, messageID string, peer message.PeerID) error {
	return s.setReplicaState(ctx, messageID, peer, ReplicaStored, "")
}

// MarkReplicaFailed records a failed hand-off to the relay.
func (s *Store) MarkReplicaFailed(ctx context.Context, messageID string, peer message.PeerID, reason string) error {
	return s.setReplicaState(ctx, messageID, peer, ReplicaFailed, reason)
}

// MarkReplicaDelivered records that the final recipient was reached via
// this relay (observed through a delivery receipt).
func (s *Store) MarkReplicaDelivered(ctx context.Context, messageID string, peer message.PeerID) error {
	return s.setReplicaState(ctx, messageID, peer, ReplicaDelivered, "")
}

// ListReplicas returns every assignment for a message.
func (s *Store) ListReplicas(ctx context.Context, messageID string) ([]Replica, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, replica_peer, state, last_error, assigned_at
		 FROM replicas WHERE message_id = ? ORDER BY replica_peer`, messageID)
	if err != nil {
		return nil, fmt.Errorf("storage: list replicas: %w", err)
	}
	defer rows.Close()

	var out []Replica
	for rows.Next() {
		var (
			r     Replica
			peer  string
			state string
			at    int64
		)
		if err := rows.Scan(&r.MessageID, &peer, &state, &r.LastError, &at); err != nil {
			return nil, err
		}
		r.Peer = message.PeerID(peer)
		r.State = ReplicaState(state)
		r.AssignedAt = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneReplicas garbage-collects terminal assignments older than the
// cutoff.
func (s *Store) PruneReplicas(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM replicas WHERE state IN (?, ?) AND assigned_at < ?`,
		string(ReplicaDelivered), string(ReplicaFailed), millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: prune replicas: %w", err)
	}
	return res.RowsAffected()
}
