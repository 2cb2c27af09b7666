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

// Package crypto implements node identities and payload encryption.
//
// A node identity is an Ed25519 key pair. The peer ID is the lowercase
// hex encoding of the public key, so any peer ID can be converted back
// into the key needed to seal payloads for that peer.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/yapyap/yapyap/message"
)

var ErrInvalidPeerID = errors.New("crypto: invalid peer id")

// Identity is a node's long-term Ed25519 key pair. Immutable once created.
type Identity struct {
	id   message.PeerID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate identity: %w", err)
	}
	return &Identity{id: PeerIDFromPublic(pub), pub: pub, priv: priv}, nil
}

// IdentityFromKeys reconstructs a persisted identity.
func IdentityFromKeys(pub, priv []byte) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("crypto: bad identity key material")
	}
	p := ed25519.PublicKey(append([]byte(nil), pub...))
	return &Identity{
		id:   PeerIDFromPublic(p),
		pub:  p,
		priv: ed25519.PrivateKey(append([]byte(nil), priv...)),
	}, nil
}

// PeerID returns the node's peer ID.
func (id *Identity) PeerID() message.PeerID { return id.id }

// Public returns the Ed25519 public key.
func (id *Identity) Public() ed25519.PublicKey { return id.pub }

// Private returns the Ed25519 private key. Callers must not mutate it.
func (id *Identity) Private() ed25519.PrivateKey { return id.priv }

// PeerIDFromPublic derives the peer ID for an Ed25519 public key.
func PeerIDFromPublic(pub ed25519.PublicKey) message.PeerID {
	return message.PeerID(hex.EncodeToString(pub))
}

// PublicFromPeerID recovers the Ed25519 public key encoded in a peer ID.
func PublicFromPeerID(id message.PeerID) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeerID, id)
	}
	return ed25519.PublicKey(raw), nil
}

// ValidPeerID reports whether id decodes to a well-formed public key.
func ValidPeerID(id message.PeerID) bool {
	_, err := PublicFromPeerID(id)
	return err == nil
}
