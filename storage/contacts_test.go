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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContactLWWNewerWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.UnixMilli(1000)
	t2 := time.UnixMilli(2000)

	older := Contact{PeerID: "p1", LastSeen: t1, Metadata: map[string]string{"name": "old"}}
	newer := Contact{PeerID: "p1", LastSeen: t2, Metadata: map[string]string{"name": "new"}}

	// Forward arrival order.
	applied, err := s.UpsertContact(ctx, older)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.UpsertContact(ctx, newer)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetContact(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "new", got.Metadata["name"])

	// Reversed arrival order converges to the same record.
	applied, err = s.UpsertContact(ctx, older)
	require.NoError(t, err)
	require.False(t, applied)

	got, err = s.GetContact(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "new", got.Metadata["name"])
	require.Equal(t, t2.UnixMilli(), got.LastSeen.UnixMilli())
}

func TestContactLWWTieBreaksOnValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.UnixMilli(5000)
	a := Contact{PeerID: "p1", LastSeen: at, Metadata: map[string]string{"v": "aaa"}}
	b := Contact{PeerID: "p1", LastSeen: at, Metadata: map[string]string{"v": "zzz"}}

	// Whichever arrives first, the lexicographically greater serialized
	// value wins the tie deterministically.
	for _, order := range [][]Contact{{a, b}, {b, a}} {
		require.NoError(t, s.RemoveContact(ctx, "p1"))
		for _, c := range order {
			_, err := s.UpsertContact(ctx, c)
			require.NoError(t, err)
		}
		got, err := s.GetContact(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, "zzz", got.Metadata["v"])
	}
}

func TestContactListAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertContact(ctx, Contact{PeerID: "p1", LastSeen: time.UnixMilli(100), Trusted: true})
	require.NoError(t, err)
	_, err = s.UpsertContact(ctx, Contact{PeerID: "p2", LastSeen: time.UnixMilli(300)})
	require.NoError(t, err)

	list, err := s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "p2", string(list[0].PeerID)) // most recent first
	require.True(t, list[1].Trusted)

	require.NoError(t, s.RemoveContact(ctx, "p1"))
	_, err = s.GetContact(ctx, "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRouteLWW(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertRoute(ctx, Route{
		PeerID: "p1", LastSeen: time.UnixMilli(100),
		Multiaddrs: []string{"/ip4/10.0.0.1/tcp/4001"}, Available: true,
	})
	require.NoError(t, err)

	applied, err := s.UpsertRoute(ctx, Route{
		PeerID: "p1", LastSeen: time.UnixMilli(50),
		Multiaddrs: []string{"/ip4/10.9.9.9/tcp/4001"},
	})
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.GetRoute(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001"}, got.Multiaddrs)
	require.True(t, got.Available)

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
}

func TestReplicaAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	applied, err := s.AssignReplica(ctx, "m1", "relay1", now)
	require.NoError(t, err)
	require.True(t, applied)

	// Repeat assignment for the same pair is a no-op.
	applied, err = s.AssignReplica(ctx, "m1", "relay1", now)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = s.AssignReplica(ctx, "m1", "relay2", now)
	require.NoError(t, err)

	require.NoError(t, s.MarkReplicaStored(ctx, "m1", "relay1"))
	require.NoError(t, s.MarkReplicaFailed(ctx, "m1", "relay2", "dial failed"))
	require.NoError(t, s.MarkReplicaDelivered(ctx, "m1", "relay1"))

	replicas, err := s.ListReplicas(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, replicas, 2)
	byPeer := map[string]Replica{}
	for _, r := range replicas {
		byPeer[string(r.Peer)] = r
	}
	require.Equal(t, ReplicaDelivered, byPeer["relay1"].State)
	require.Equal(t, ReplicaFailed, byPeer["relay2"].State)
	require.Equal(t, "dial failed", byPeer["relay2"].LastError)

	require.ErrorIs(t, s.MarkReplicaStored(ctx, "m1", "nobody"), ErrNotFound)
}

func TestPruneReplicas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	_, err := s.AssignReplica(ctx, "m1", "r1", old)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplicaDelivered(ctx, "m1", "r1"))
	_, err = s.AssignReplica(ctx, "m1", "r2", old)
	require.NoError(t, err) // still assigned, never pruned

	n, err := s.PruneReplicas(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	left, err := s.ListReplicas(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, ReplicaAssigned, left[0].State)
}
