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

	"github.com/yapyap/yapyap/crypto"
)

// Identity loads the node identity, or ErrNoIdentity if none was created.
func (s *Store) Identity(ctx context.Context) (*crypto.Identity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var pub, priv []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, private_key FROM identity WHERE id = 1 AND is_active = 1`).
		Scan(&pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load identity: %w", err)
	}
	return crypto.IdentityFromKeys(pub, priv)
}

// SaveIdentity persists a freshly generated identity. The single-row
// primary key keeps at most one active identity per data directory.
func (s *Store) SaveIdentity(ctx context.Context, id *crypto.Identity) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (id, peer_id, public_key, private_key, is_active, created_at)
		 VALUES (1, ?, ?, ?, 1, ?)
		 ON CONFLICT(id) DO NOTHING`,
		string(id.PeerID()), []byte(id.Public()), []byte(id.Private()), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("storage: save identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIdentityExists
	}
	return nil
}

// LoadOrCreateIdentity returns the stored identity, generating and
// persisting a new one on first start.
func (s *Store) LoadOrCreateIdentity(ctx context.Context) (*crypto.Identity, error) {
	id, err := s.Identity(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}
	id, err = crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := s.SaveIdentity(ctx, id); err != nil {
		if errors.Is(err, ErrIdentityExists) {
			// Lost a creation race with another starter, use theirs.
			return s.Identity(ctx)
		}
		return nil, err
	}
	s.log.Info().Str("peer", string(id.PeerID())).Msg("created node identity")
	return id, nil
}
