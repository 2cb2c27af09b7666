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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yapyap/yapyap/message"
)

// InboxInsert stores the decrypted payload of a message addressed to
// this node, written in the same transaction as its admission.
type InboxInsert struct {
	Payload []byte
}

// InboxMessage is one admitted, locally consumable message.
type InboxMessage struct {
	MessageID  string
	From       message.PeerID
	Payload    []byte
	Seq        uint64
	ReceivedAt time.Time
}

// Admission describes one inbound message to admit atomically.
type Admission struct {
	MessageID string
	From      message.PeerID
	Seq       uint64
	Clock     message.Clock

	// Inbox, if set, files the message for local consumption.
	Inbox *InboxInsert
	// Forward, if set, enqueues a carried message for onward delivery
	// (the relay half of store-and-forward).
	Forward *OutboxInsert

	Now time.Time
}

// AdmitResult reports the outcome of PersistIncoming.
type AdmitResult struct {
	Applied   bool
	Duplicate bool
}

// PersistIncoming admits one inbound message in a single transaction:
// dedup marker, per-sender sequence advance, vector clock merge, and the
// optional inbox or onward-outbox write. A duplicate message id leaves
// every table untouched and reports Duplicate.
func (s *Store) PersistIncoming(ctx context.Context, adm Admission) (AdmitResult, error) {
	if adm.Now.IsZero() {
		adm.Now = time.Now()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var res AdmitResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM processed WHERE message_id = ?`, adm.MessageID).Scan(&one)
		switch {
		case err == nil:
			res = AdmitResult{Duplicate: true}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("storage: dedup probe: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processed (message_id, from_peer, seq, processed_at) VALUES (?, ?, ?, ?)`,
			adm.MessageID, string(adm.From), adm.Seq, millis(adm.Now)); err != nil {
			return fmt.Errorf("storage: insert marker: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO peer_seq (peer_id, last_seq) VALUES (?, ?)
			 ON CONFLICT(peer_id) DO UPDATE SET last_seq = MAX(last_seq, excluded.last_seq)`,
			string(adm.From), adm.Seq); err != nil {
			return fmt.Errorf("storage: advance sequence: %w", err)
		}
		for peer, tick := range adm.Clock {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO vclock (peer_id, clock) VALUES (?, ?)
				 ON CONFLICT(peer_id) DO UPDATE SET clock = MAX(clock, excluded.clock)`,
				string(peer), tick); err != nil {
				return fmt.Errorf("storage: merge vclock: %w", err)
			}
		}
		if adm.Inbox != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO inbox (message_id, from_peer, payload, seq, received_at)
				 VALUES (?, ?, ?, ?, ?) ON CONFLICT(message_id) DO NOTHING`,
				adm.MessageID, string(adm.From), adm.Inbox.Payload, adm.Seq, millis(adm.Now)); err != nil {
				return fmt.Errorf("storage: insert inbox: %w", err)
			}
		}
		if adm.Forward != nil {
			if _, err := s.insertOutbox(ctx, tx, *adm.Forward, adm.Now); err != nil {
				return err
			}
		}
		res = AdmitResult{Applied: true}
		return nil
	})
	return res, err
}

// IsProcessed reports whether a marker exists for the message id.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// LastSequence returns the highest sequence number admitted from peer.
func (s *Store) LastSequence(ctx context.Context, peer message.PeerID) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM peer_seq WHERE peer_id = ?`, string(peer)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// VectorClock returns the node's full vector clock.
func (s *Store) VectorClock(ctx context.Context) (message.Clock, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, clock FROM vclock`)
	if err != nil {
		return nil, fmt.Errorf("storage: read vclock: %w", err)
	}
	defer rows.Close()

	clock := message.Clock{}
	for rows.Next() {
		var peer string
		var tick uint64
		if err := rows.Scan(&peer, &tick); err != nil {
			return nil, err
		}
		clock[message.PeerID(peer)] = tick
	}
	return clock, rows.Err()
}

// ProcessedCount returns the number of admission markers retained.
func (s *Store) ProcessedCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed`).Scan(&n)
	return n, err
}

// PruneProcessed drops markers older than the cutoff. The retention
// window guards against delayed duplicates; callers keep it generous.
func (s *Store) PruneProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed WHERE processed_at < ?`, millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: prune processed: %w", err)
	}
	return res.RowsAffected()
}

// ListInbox returns admitted messages for local consumption, newest
// first.
func (s *Store) ListInbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, from_peer, payload, seq, received_at
		 FROM inbox ORDER BY received_at DESC, message_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		var m InboxMessage
		var from string
		var at int64
		if err := rows.Scan(&m.MessageID, &from, &m.Payload, &m.Seq, &at); err != nil {
			return nil, err
		}
		m.From = message.PeerID(from)
		m.ReceivedAt = fromMillis(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
