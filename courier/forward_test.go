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

package courier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport/memory"
)

func newRouter(n *testNode) *Router {
	return NewRouter(n.id, n.store, n.tr, n.acks, n.obs, n.metrics, zerolog.Nop(), n.cfg)
}

// claimedEntry enqueues a message for target and claims it, mimicking a
// worker that exhausted its direct attempts.
func claimedEntry(t *testing.T, n *testNode, target message.PeerID) storage.OutboxEntry {
	t.Helper()
	enqueueData(t, n, target, []byte("offline mail"), time.Hour)
	claimed, err := n.store.ClaimDue(context.Background(), time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestReplicateHandsOffToRelays(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	origin := newTestNode(t, net, cfg)
	relay1 := newTestNode(t, net, cfg)
	relay2 := newTestNode(t, net, cfg)
	target := newTestNode(t, net, cfg)
	target.tr.SetOnline(false)

	e := claimedEntry(t, origin, target.id.PeerID())
	n, err := newRouter(origin).Replicate(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, 2, n) // every online peer except target and self

	replicas, err := origin.store.ListReplicas(context.Background(), e.MessageID)
	require.NoError(t, err)
	require.Len(t, replicas, 2)
	for _, r := range replicas {
		require.Equal(t, storage.ReplicaStored, r.State)
	}

	// Both relays hold the carried message, queued for the target.
	for _, relay := range []*testNode{relay1, relay2} {
		re, err := relay.store.GetOutboxEntry(context.Background(), e.MessageID)
		require.NoError(t, err)
		require.Equal(t, target.id.PeerID(), re.Target)
		require.Equal(t, origin.id.PeerID(), re.Origin)
	}
}

func TestReplicateIsIdempotent(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	origin := newTestNode(t, net, cfg)
	newTestNode(t, net, cfg) // relay
	target := newTestNode(t, net, cfg)
	target.tr.SetOnline(false)

	e := claimedEntry(t, origin, target.id.PeerID())
	r := newRouter(origin)

	n, err := r.Replicate(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The relay already holds a replica; nothing new is handed off.
	n, err = r.Replicate(context.Background(), e)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReplicateDeclinesRelayedEntries(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	origin := newTestNode(t, net, cfg)
	newTestNode(t, net, cfg)
	absent, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	e := claimedEntry(t, origin, absent.PeerID())
	e.Origin = "someoneelse" // custody entry: one hop only

	n, err := newRouter(origin).Replicate(context.Background(), e)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReplicateWithoutCandidates(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	origin := newTestNode(t, net, cfg)
	target := newTestNode(t, net, cfg)
	target.tr.SetOnline(false)

	e := claimedEntry(t, origin, target.id.PeerID())
	n, err := newRouter(origin).Replicate(context.Background(), e)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCandidatesPreferTrustedAndRecent(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	origin := newTestNode(t, net, cfg)
	stale := newTestNode(t, net, cfg)
	fresh := newTestNode(t, net, cfg)
	trusted := newTestNode(t, net, cfg)

	ctx := context.Background()
	_, err := origin.store.UpsertContact(ctx, storage.Contact{
		PeerID: trusted.id.PeerID(), LastSeen: time.Now().Add(-time.Hour), Trusted: true,
	})
	require.NoError(t, err)
	_, err = origin.store.UpsertContact(ctx, storage.Contact{
		PeerID: stale.id.PeerID(), LastSeen: time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = origin.store.UpsertContact(ctx, storage.Contact{
		PeerID: fresh.id.PeerID(), LastSeen: time.Now(),
	})
	require.NoError(t, err)

	got := newRouter(origin).candidates(ctx, "cafebabe")
	require.Equal(t, []message.PeerID{
		trusted.id.PeerID(), fresh.id.PeerID(), stale.id.PeerID(),
	}, got)
}

func TestDispatchHandsOffAfterAttemptBudget(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	cfg.MaxAttempts = 2
	origin := newTestNode(t, net, cfg)
	relay := newTestNode(t, net, cfg)
	target := newTestNode(t, net, cfg)
	target.tr.SetOnline(false)

	id := enqueueData(t, origin, target.id.PeerID(), []byte("hold this"), time.Hour)
	d := startDispatcher(t, origin, newRouter(origin))
	d.Kick()

	// After the direct budget the relay takes custody.
	require.Eventually(t, func() bool {
		replicas, err := origin.store.ListReplicas(context.Background(), id)
		if err != nil || len(replicas) != 1 {
			return false
		}
		return replicas[0].Peer == relay.id.PeerID() && replicas[0].State == storage.ReplicaStored
	}, 3*time.Second, 10*time.Millisecond)

	// The origin entry survives on the slow schedule, not failed.
	e, err := origin.store.GetOutboxEntry(context.Background(), id)
	require.NoError(t, err)
	require.False(t, e.Status.Terminal())

	// Target comes back, the relay delivers, the receipt settles the
	// origin entry and its replica record.
	relayDispatcher := startDispatcher(t, relay, nil)
	target.tr.SetOnline(true)
	relayDispatcher.Kick()

	require.Eventually(t, func() bool {
		inbox, err := target.store.ListInbox(context.Background(), 10)
		return err == nil && len(inbox) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		e, err := origin.store.GetOutboxEntry(context.Background(), id)
		if err != nil || e.Status != storage.StatusDelivered {
			return false
		}
		replicas, err := origin.store.ListReplicas(context.Background(), id)
		return err == nil && len(replicas) == 1 && replicas[0].State == storage.ReplicaDelivered
	}, 3*time.Second, 10*time.Millisecond)
}
