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

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/yapyap/yapyap/message"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Sealed box layout: ephemeral X25519 public key followed by the NaCl box
// ciphertext. The nonce is blake2b-192(ephemeral_pub || recipient_pub),
// the libsodium crypto_box_seal construction, so only the recipient's
// key is needed to open and the sender stays unauthenticated at this
// layer (sender authenticity comes from envelope admission, not the box).
const (
	sealedKeySize   = 32
	sealedNonceSize = 24

	// SealedOverhead is the ciphertext expansion of Seal.
	SealedOverhead = sealedKeySize + box.Overhead
)

var ErrDecrypt = errors.New("crypto: sealed box open failed")

// Seal encrypts plaintext so that only the holder of the identity behind
// the recipient peer ID can read it.
func Seal(recipient message.PeerID, plaintext []byte) ([]byte, error) {
	edPub, err := PublicFromPeerID(recipient)
	if err != nil {
		return nil, err
	}
	recipientKey, err := publicToMontgomery(edPub)
	if err != nil {
		return nil, err
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ephemeral key: %w", err)
	}
	nonce := sealNonce(ephPub, recipientKey)
	out := make([]byte, 0, sealedKeySize+len(plaintext)+box.Overhead)
	out = append(out, ephPub[:]...)
	return box.Seal(out, plaintext, nonce, recipientKey, ephPriv), nil
}

// Open decrypts a sealed box addressed to this identity.
func (id *Identity) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < SealedOverhead {
		return nil, ErrDecrypt
	}
	recipientPub, err := publicToMontgomery(id.pub)
	if err != nil {
		return nil, err
	}
	recipientPriv := privateToMontgomery(id.priv)

	var ephPub [sealedKeySize]byte
	copy(ephPub[:], ciphertext[:sealedKeySize])
	nonce := sealNonce(&ephPub, recipientPub)

	plaintext, ok := box.Open(nil, ciphertext[sealedKeySize:], nonce, &ephPub, recipientPriv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func sealNonce(ephPub, recipientPub *[sealedKeySize]byte) *[sealedNonceSize]byte {
	h, _ := blake2b.New(sealedNonceSize, nil)
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	var nonce [sealedNonceSize]byte
	copy(nonce[:], h.Sum(nil))
	return &nonce
}

// publicToMontgomery converts an Ed25519 public key to its X25519 form.
func publicToMontgomery(pub ed25519.PublicKey) (*[sealedKeySize]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: not a valid curve point: %w", err)
	}
	var out [sealedKeySize]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// privateToMontgomery derives the X25519 scalar from an Ed25519 private
// key, the same way the Ed25519 signing scalar is derived.
func privateToMontgomery(priv ed25519.PrivateKey) *[sealedKeySize]byte {
	digest := sha512.Sum512(priv.Seed())
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64

	var out [sealedKeySize]byte
	copy(out[:], digest[:curve25519.ScalarSize])
	return &out
}
