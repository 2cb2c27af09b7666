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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yapyap/yapyap/message"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	plaintext := []byte(`{"content":"hi"}`)
	sealed, err := Seal(bob.PeerID(), plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)
	require.Len(t, sealed, len(plaintext)+SealedOverhead)

	opened, err := bob.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// The wrong recipient cannot open it.
	_, err = alice.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsTampering(t *testing.T) {
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	sealed, err := Seal(bob.PeerID(), []byte("payload"))
	require.NoError(t, err)

	for _, idx := range []int{0, 31, 40, len(sealed) - 1} {
		mangled := append([]byte(nil), sealed...)
		mangled[idx] ^= 0x01
		_, err := bob.Open(mangled)
		require.ErrorIs(t, err, ErrDecrypt, "flipped byte %d", idx)
	}
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	_, err = bob.Open(make([]byte, SealedOverhead-1))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestPeerIDRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := PublicFromPeerID(id.PeerID())
	require.NoError(t, err)
	require.Equal(t, id.Public(), pub)
	require.True(t, ValidPeerID(id.PeerID()))
}

func TestPeerIDValidation(t *testing.T) {
	for _, bad := range []message.PeerID{"", "zz", "deadbeef", "not hex at all"} {
		_, err := PublicFromPeerID(bad)
		require.ErrorIs(t, err, ErrInvalidPeerID, string(bad))
		require.False(t, ValidPeerID(bad))
	}
}

func TestIdentityFromKeysMatchesOriginal(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	restored, err := IdentityFromKeys(id.Public(), id.Private())
	require.NoError(t, err)
	require.Equal(t, id.PeerID(), restored.PeerID())

	sealed, err := Seal(restored.PeerID(), []byte("persist me"))
	require.NoError(t, err)
	opened, err := restored.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("persist me"), opened)
}
