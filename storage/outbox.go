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

// Status is the delivery state of an outbox entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (st Status) Terminal() bool {
	return st == StatusDelivered || st == StatusFailed
}

// OutboxEntry is one queued outbound message.
type OutboxEntry struct {
	MessageID   string
	Target      message.PeerID
	Origin      message.PeerID // original sender; differs from self on relayed entries
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	ClaimedAt   time.Time
	ExpiresAt   time.Time
	LastError   string
	Blob        []byte
	CreatedAt   time.Time
}

// OutboxInsert describes a new entry to enqueue.
type OutboxInsert struct {
	MessageID   string
	Target      message.PeerID
	Origin      message.PeerID
	Blob        []byte
	NextRetryAt time.Time
	ExpiresAt   time.Time
}

const outboxColumns = `message_id, target, origin, status, attempts,
	next_retry_at, claimed_at, expires_at, last_error, blob, created_at`

func scanOutboxEntry(row interface{ Scan(...interface{}) error }) (OutboxEntry, error) {
	var (
		e                  OutboxEntry
		target, origin     string
		status             string
		next, exp, created int64
		claimed            sql.NullInt64
	)
	err := row.Scan(&e.MessageID, &target, &origin, &status, &e.Attempts,
		&next, &claimed, &exp, &e.LastError, &e.Blob, &created)
	if err != nil {
		return e, err
	}
	e.Target = message.PeerID(target)
	e.Origin = message.PeerID(origin)
	e.Status = Status(status)
	e.NextRetryAt = fromMillis(next)
	e.ExpiresAt = fromMillis(exp)
	e.CreatedAt = fromMillis(created)
	if claimed.Valid {
		e.ClaimedAt = fromMillis(claimed.Int64)
	}
	return e, nil
}

// insertOutbox adds a pending entry inside an existing transaction,
// enforcing the backpressure cap. A conflicting message id is a no-op
// (relays may receive the same carried message via several envelopes).
func (s *Store) insertOutbox(ctx context.Context, tx *sql.Tx, ins OutboxInsert, now time.Time) (bool, error) {
	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ?`, string(StatusPending)).Scan(&pending); err != nil {
		return false, fmt.Errorf("storage: count pending: %w", err)
	}
	if pending >= s.maxPending {
		return false, ErrOutboxFull
	}
	next := ins.NextRetryAt
	if next.IsZero() {
		next = now
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (message_id, target, origin, status, attempts, next_retry_at, expires_at, blob, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		ins.MessageID, string(ins.Target), string(ins.Origin), string(StatusPending),
		millis(next), millis(ins.ExpiresAt), ins.Blob, millis(now))
	if err != nil {
		return false, fmt.Errorf("storage: enqueue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EnqueueOutbound inserts a new pending entry. It returns false without
// error when an entry with the same message id already exists.
func (s *Store) EnqueueOutbound(ctx context.Context, ins OutboxInsert) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertOutbox(ctx, tx, ins, time.Now())
		return err
	})
	return inserted, err
}

// NextSequence allocates the next outbound sequence number towards
// target and ticks this node's own vector clock entry, returning the
// clock snapshot to stamp on the message. One transaction, so a crash
// never leaks a sequence number without the matching clock tick.
func (s *Store) NextSequence(ctx context.Context, self, target message.PeerID) (uint64, message.Clock, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var seq uint64
	clock := message.Clock{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO out_seq (peer_id, next_seq) VALUES (?, 1)
			 ON CONFLICT(peer_id) DO UPDATE SET next_seq = next_seq + 1`,
			string(target)); err != nil {
			return fmt.Errorf("storage: bump sequence: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT next_seq FROM out_seq WHERE peer_id = ?`, string(target)).Scan(&seq); err != nil {
			return fmt.Errorf("storage: read sequence: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vclock (peer_id, clock) VALUES (?, 1)
			 ON CONFLICT(peer_id) DO UPDATE SET clock = clock + 1`,
			string(self)); err != nil {
			return fmt.Errorf("storage: tick clock: %w", err)
		}
		rows, err := tx.QueryContext(ctx, `SELECT peer_id, clock FROM vclock`)
		if err != nil {
			return fmt.Errorf("storage: snapshot clock: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var peer string
			var tick uint64
			if err := rows.Scan(&peer, &tick); err != nil {
				return err
			}
			clock[message.PeerID(peer)] = tick
		}
		return rows.Err()
	})
	if err != nil {
		return 0, nil, err
	}
	return seq, clock, nil
}

// ClaimDue atomically flips due pending entries to processing and
// returns them. An entry is due when its retry time has passed and it
// has not expired. Only one worker ever holds a claimed entry.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var claimed []OutboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox
			 WHERE status = ? AND next_retry_at <= ? AND expires_at > ?
			 ORDER BY next_retry_at LIMIT ?`,
			string(StatusPending), millis(now), millis(now), limit)
		if err != nil {
			return fmt.Errorf("storage: select due: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanOutboxEntry(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET status = ?, claimed_at = ? WHERE message_id = ?`,
				string(StatusProcessing), millis(now), claimed[i].MessageID); err != nil {
				return fmt.Errorf("storage: claim: %w", err)
			}
			claimed[i].Status = StatusProcessing
			claimed[i].ClaimedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RefreshClaim re-stamps a claimed entry's claim time when a worker
// actually begins its delivery attempt. The update is guarded by the
// stamp the worker holds: a false return means the claim was lost (the
// orphan sweep released it while the entry waited for a worker, and
// possibly another worker re-claimed it), and the caller must not
// deliver.
func (s *Store) RefreshClaim(ctx context.Context, messageID string, claimedAt, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET claimed_at = ?
		 WHERE message_id = ? AND status = ? AND claimed_at = ?`,
		millis(now), messageID, string(StatusProcessing), millis(claimedAt))
	if err != nil {
		return false, fmt.Errorf("storage: refresh claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDelivered moves an entry to its delivered terminal state. It
// reports false when no live entry matched (already terminal or never
// queued), which lets the inbound path treat stray ACKs as noise.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = '' WHERE message_id = ? AND status IN (?, ?)`,
		string(StatusDelivered), messageID, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("storage: mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ScheduleRetry returns a processing entry to pending with an
// incremented attempt counter and the given retry time.
func (s *Store) ScheduleRetry(ctx context.Context, messageID string, next time.Time, reason string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = attempts + 1, next_retry_at = ?, claimed_at = NULL, last_error = ?
		 WHERE message_id = ? AND status = ?`,
		string(StatusPending), millis(next), reason, messageID, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("storage: schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves an entry to its failed terminal state.
func (s *Store) MarkFailed(ctx context.Context, messageID, reason string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ?, claimed_at = NULL
		 WHERE message_id = ? AND status IN (?, ?)`,
		string(StatusFailed), reason, messageID, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired fails live entries past their TTL and deletes terminal
// entries once the retention window has also elapsed, keeping them
// queryable in between.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (failed, deleted int64, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, last_error = ?, claimed_at = NULL
			 WHERE expires_at <= ? AND status IN (?, ?)`,
			string(StatusFailed), message.ReasonTTLExpired, millis(now),
			string(StatusPending), string(StatusProcessing))
		if err != nil {
			return fmt.Errorf("storage: expire: %w", err)
		}
		failed, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE status IN (?, ?) AND expires_at <= ?`,
			string(StatusDelivered), string(StatusFailed), millis(now.Add(-retention)))
		if err != nil {
			return fmt.Errorf("storage: sweep: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return failed, deleted, err
}

// ReleaseOrphans returns entries stuck in processing since before the
// cutoff (a worker died or was cancelled mid-send) back to pending.
func (s *Store) ReleaseOrphans(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, claimed_at = NULL
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		string(StatusPending), string(StatusProcessing), millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: release orphans: %w", err)
	}
	return res.RowsAffected()
}

// GetOutboxEntry fetches one entry by message id.
func (s *Store) GetOutboxEntry(ctx context.Context, messageID string) (OutboxEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE message_id = ?`, messageID)
	e, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// ListOutbox returns entries filtered by status (empty status = all),
// oldest first.
func (s *Store) ListOutbox(ctx context.Context, status Status, limit int) ([]OutboxEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox ORDER BY created_at LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY created_at LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutboxCounts returns the entry count per status.
func (s *Store) OutboxCounts(ctx context.Context) (map[Status]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: outbox counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// NextDue returns the earliest retry time among pending entries, used
// by the dispatcher's waker to arm its timer.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_retry_at) FROM outbox WHERE status = ?`,
		string(StatusPending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: next due: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}
