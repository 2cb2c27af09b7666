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

// Package storage implements the node's embedded store: dedup markers,
// per-sender sequences, the vector clock, the persistent outbox, replica
// tracking and last-writer-wins contact and routing tables.
//
// The engine is a single SQLite database in WAL mode. Every multi-row
// state change runs inside one transaction; callers never observe
// partial updates.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNoIdentity     = errors.New("storage: no identity")
	ErrIdentityExists = errors.New("storage: identity already exists")
	ErrOutboxFull     = errors.New("storage: outbox full")
)

const (
	// DefaultOpTimeout bounds any single storage operation.
	DefaultOpTimeout = 5 * time.Second
	// DefaultMaxPending is the outbox backpressure threshold.
	DefaultMaxPending = 10000
)

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	peer_id     TEXT    NOT NULL,
	public_key  BLOB    NOT NULL,
	private_key BLOB    NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed (
	message_id   TEXT    PRIMARY KEY,
	from_peer    TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	processed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_at_idx ON processed(processed_at);
CREATE TABLE IF NOT EXISTS peer_seq (
	peer_id  TEXT    PRIMARY KEY,
	last_seq INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS out_seq (
	peer_id  TEXT    PRIMARY KEY,
	next_seq INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS vclock (
	peer_id TEXT    PRIMARY KEY,
	clock   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	message_id    TEXT    PRIMARY KEY,
	target        TEXT    NOT NULL,
	origin        TEXT    NOT NULL,
	status        TEXT    NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	claimed_at    INTEGER,
	expires_at    INTEGER NOT NULL,
	last_error    TEXT    NOT NULL DEFAULT '',
	blob          BLOB    NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_due_idx ON outbox(status, next_retry_at);
CREATE TABLE IF NOT EXISTS inbox (
	message_id  TEXT    PRIMARY KEY,
	from_peer   TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	seq         INTEGER NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS replicas (
	message_id   TEXT    NOT NULL,
	replica_peer TEXT    NOT NULL,
	state        TEXT    NOT NULL DEFAULT 'assigned',
	last_error   TEXT    NOT NULL DEFAULT '',
	assigned_at  INTEGER NOT NULL,
	PRIMARY KEY (message_id, replica_peer)
);
CREATE TABLE IF NOT EXISTS contacts (
	peer_id   TEXT    PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	trusted   INTEGER NOT NULL DEFAULT 0,
	value     BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS routes (
	peer_id   TEXT    PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	available INTEGER NOT NULL DEFAULT 0,
	value     BLOB    NOT NULL
);
`

// Store is the embedded storage engine. Safe for use from any worker;
// writes are serialized on a single connection, reads are
// snapshot-consistent.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	opTimeout  time.Duration
	maxPending int
}

// Option tunes a Store at open time.
type Option func(*Store)

// WithOpTimeout bounds individual storage operations.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

// WithMaxPending sets the outbox backpressure threshold.
func WithMaxPending(n int) Option {
	return func(s *Store) { s.maxPending = n }
}

// Open opens (creating if needed) the database at path and applies the
// schema. The database runs in WAL mode with a busy timeout.
func Open(path string, log zerolog.Logger, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// A single connection serializes writers and sidesteps SQLITE_BUSY
	// upgrades; WAL still allows concurrent external readers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		log:        log.With().Str("component", "storage").Logger(),
		opTimeout:  DefaultOpTimeout,
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	s.log.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// opCtx derives the bounded context every operation runs under.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// millis converts a time to the wall-clock millisecond representation
// used throughout the schema.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
