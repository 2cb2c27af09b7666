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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yapyap/yapyap/message"
)

// Contact is an LWW-reconciled record about a known peer.
type Contact struct {
	PeerID         message.PeerID    `json:"peerId"`
	LastSeen       time.Time         `json:"-"`
	LastSeenMillis int64             `json:"lastSeen"`
	Trusted        bool              `json:"trusted"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Route is an LWW-reconciled routing record for a peer.
type Route struct {
	PeerID         message.PeerID `json:"peerId"`
	LastSeen       time.Time      `json:"-"`
	LastSeenMillis int64          `json:"lastSeen"`
	Multiaddrs     []string       `json:"multiaddrs,omitempty"`
	Available      bool           `json:"available"`
	TTLMillis      int64          `json:"ttl,omitempty"`
}

// lwwUpsert writes the serialized record iff it wins last-writer-wins:
// strictly newer last_seen, or equal last_seen with a lexicographically
// greater serialized value (the deterministic tie-break).
func (s *Store) lwwUpsert(ctx context.Context, table string, peer message.PeerID, lastSeen int64, flag bool, value []byte) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	flagCol := "trusted"
	if table == "routes" {
		flagCol = "available"
	}
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			curSeen  int64
			curValue []byte
		)
		err := tx.QueryRowContext(ctx,
			`SELECT last_seen, value FROM `+table+` WHERE peer_id = ?`, string(peer)).
			Scan(&curSeen, &curValue)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First write always wins.
		case err != nil:
			return fmt.Errorf("storage: lww probe %s: %w", table, err)
		default:
			if lastSeen < curSeen {
				return nil
			}
			if lastSeen == curSeen && bytes.Compare(value, curValue) <= 0 {
				return nil
			}
		}
		flagInt := 0
		if flag {
			flagInt = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (peer_id, last_seen, `+flagCol+`, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(peer_id) DO UPDATE SET last_seen = excluded.last_seen,
			 `+flagCol+` = excluded.`+flagCol+`, value = excluded.value`,
			string(peer), lastSeen, flagInt, value); err != nil {
			return fmt.Errorf("storage: lww upsert %s: %w", table, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// UpsertContact applies a contact write under LWW reconciliation and
// reports whether it replaced the stored record.
func (s *Store) UpsertContact(ctx context.Context, c Contact) (bool, error) {
	c.LastSeenMillis = millis(c.LastSeen)
	value, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("storage: encode contact: %w", err)
	}
	return s.lwwUpsert(ctx, "contacts", c.PeerID, c.LastSeenMillis, c.Trusted, value)
}

// UpsertRoute applies a routing write under LWW reconciliation.
func (s *Store) UpsertRoute(ctx context.Context, r Route) (bool, error) {
	r.LastSeenMillis = millis(r.LastSeen)
	value, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("storage: encode route: %w", err)
	}
	return s.lwwUpsert(ctx, "routes", r.PeerID, r.LastSeenMillis, r.Available, value)
}

// GetContact loads one contact, or ErrNotFound.
func (s *Store) GetContact(ctx context.Context, peer message.PeerID) (Contact, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM contacts WHERE peer_id = ?`, string(peer)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("storage: get contact: %w", err)
	}
	return decodeContact(value)
}

func decodeContact(value []byte) (Contact, error) {
	var c Contact
	if err := json.Unmarshal(value, &c); err != nil {
		return c, fmt.Errorf("storage: decode contact: %w", err)
	}
	c.LastSeen = fromMillis(c.LastSeenMillis)
	return c, nil
}

// ListContacts returns all contacts, most recently seen first.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM contacts ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		c, err := decodeContact(value)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveContact deletes a contact record outright.
func (s *Store) RemoveContact(ctx context.Context, peer message.PeerID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE peer_id = ?`, string(peer))
	return err
}

// GetRoute loads one routing record, or ErrNotFound.
func (s *Store) GetRoute(ctx context.Context, peer message.PeerID) (Route, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM routes WHERE peer_id = ?`, string(peer)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, fmt.Errorf("storage: get route: %w", err)
	}
	return decodeRoute(value)
}

func decodeRoute(value []byte) (Route, error) {
	var r Route
	if err := json.Unmarshal(value, &r); err != nil {
		return r, fmt.Errorf("storage: decode route: %w", err)
	}
	r.LastSeen = fromMillis(r.LastSeenMillis)
	return r, nil
}

// ListRoutes returns all routing records, most recently seen first.
func (s *Store) ListRoutes(ctx context.Context) ([]Route, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM routes ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list routes: %w", err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		r, err := decodeRoute(value)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
