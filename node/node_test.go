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

package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yapyap/yapyap/courier"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport/memory"
)

func testNodeConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:          t.TempDir(),
		ListenAddr:       "/mem/loopback",
		LogLevel:         "disabled",
		MaxOutboxPending: 1000,
		Workers:          2,
		MaxAttempts:      3,
		ReplicaCount:     3,
		AckTimeout:       500 * time.Millisecond,
		DialTimeout:      500 * time.Millisecond,
		BackoffBase:      10 * time.Millisecond,
		BackoffCap:       50 * time.Millisecond,
		MessageTTL:       time.Hour,
		Retention:        time.Hour,
		StopTimeout:      2 * time.Second,
	}
}

func startNode(t *testing.T, net *memory.Network, cfg Config) *Node {
	t.Helper()
	n := New(cfg, net.Factory(), zerolog.Nop())
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestNodeDeliversMessage(t *testing.T) {
	net := memory.NewNetwork()
	a := startNode(t, net, testNodeConfig(t))
	b := startNode(t, net, testNodeConfig(t))

	id, err := a.Send(context.Background(), b.Self(), []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		inbox, err := b.Inbox(context.Background(), 10)
		return err == nil && len(inbox) == 1
	}, 3*time.Second, 10*time.Millisecond)

	inbox, err := b.Inbox(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), inbox[0].Payload)
	require.Equal(t, a.Self(), inbox[0].From)

	require.Eventually(t, func() bool {
		entries, err := a.Outbox(context.Background(), storage.StatusDelivered, 10)
		return err == nil && len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNodeSendValidatesRecipient(t *testing.T) {
	net := memory.NewNetwork()
	a := startNode(t, net, testNodeConfig(t))

	_, err := a.Send(context.Background(), "not-a-peer-id", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestNodeRejectsSendsWhileStopped(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testNodeConfig(t)
	a := startNode(t, net, cfg)
	b := startNode(t, net, testNodeConfig(t))
	to := b.Self()

	require.NoError(t, a.Stop())
	_, err := a.Send(context.Background(), to, []byte("late"))
	require.ErrorIs(t, err, courier.ErrShuttingDown)
	require.ErrorIs(t, a.Stop(), ErrNotRunning)
}

func TestNodeQueuePersistsAcrossRestart(t *testing.T) {
	net := memory.NewNetwork()
	cfgA := testNodeConfig(t)
	cfgB := testNodeConfig(t)

	b := startNode(t, net, cfgB)
	target := b.Self()
	require.NoError(t, b.Stop())

	a := startNode(t, net, cfgA)
	id, err := a.Send(context.Background(), target, []byte("catch up"))
	require.NoError(t, err)

	// Restart the sender with the queue still pending.
	require.Eventually(t, func() bool {
		entries, err := a.Outbox(context.Background(), storage.StatusPending, 10)
		return err == nil && len(entries) == 1 && entries[0].Attempts >= 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Stop())
	a = startNode(t, net, cfgA)

	// Same identity, same queue; the recipient coming back completes it.
	b2 := New(cfgB, net.Factory(), zerolog.Nop())
	require.NoError(t, b2.Start())
	t.Cleanup(func() { b2.Stop() })
	require.Equal(t, target, b2.Self())

	require.Eventually(t, func() bool {
		inbox, err := b2.Inbox(context.Background(), 10)
		return err == nil && len(inbox) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		e, err := a.Outbox(context.Background(), storage.StatusDelivered, 10)
		return err == nil && len(e) == 1 && e[0].MessageID == id
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNodeStoreAndForward(t *testing.T) {
	net := memory.NewNetwork()
	cfgTarget := testNodeConfig(t)

	target := startNode(t, net, cfgTarget)
	targetID := target.Self()
	require.NoError(t, target.Stop())

	origin := startNode(t, net, testNodeConfig(t))
	relay := startNode(t, net, testNodeConfig(t))

	_, err := origin.Send(context.Background(), targetID, []byte("hold my mail"))
	require.NoError(t, err)

	// The relay takes custody once direct attempts are spent.
	require.Eventually(t, func() bool {
		entries, err := relay.Outbox(context.Background(), storage.StatusPending, 10)
		return err == nil && len(entries) == 1 && entries[0].Target == targetID
	}, 5*time.Second, 10*time.Millisecond)

	// Recipient returns and receives from the relay.
	back := New(cfgTarget, net.Factory(), zerolog.Nop())
	require.NoError(t, back.Start())
	t.Cleanup(func() { back.Stop() })

	require.Eventually(t, func() bool {
		inbox, err := back.Inbox(context.Background(), 10)
		return err == nil && len(inbox) == 1
	}, 5*time.Second, 10*time.Millisecond)
	inbox, err := back.Inbox(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []byte("hold my mail"), inbox[0].Payload)
	require.Equal(t, origin.Self(), inbox[0].From)
}

func TestNodeContactsRoundTrip(t *testing.T) {
	net := memory.NewNetwork()
	a := startNode(t, net, testNodeConfig(t))

	applied, err := a.UpsertContact(context.Background(), storage.Contact{
		PeerID: "peer1", Trusted: true, Metadata: map[string]string{"name": "bob"},
	})
	require.NoError(t, err)
	require.True(t, applied)

	contacts, err := a.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.True(t, contacts[0].Trusted)

	require.NoError(t, a.RemoveContact(context.Background(), "peer1"))
	contacts, err = a.Contacts(context.Background())
	require.NoError(t, err)
	require.Empty(t, contacts)
}

func TestAdminEndpoint(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testNodeConfig(t)
	cfg.AdminAddr = "127.0.0.1:0"
	a := startNode(t, net, cfg)
	cfgB := testNodeConfig(t)
	cfgB.AdminAddr = "127.0.0.1:0"
	b := startNode(t, net, cfgB)

	base := "http://" + a.admin.Addr()
	baseB := "http://" + b.admin.Addr()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, a.Self(), stats.PeerID)
	require.Equal(t, 1, stats.ConnectedPeers)

	body, err := json.Marshal(map[string]string{
		"to":      string(b.Self()),
		"payload": base64.StdEncoding.EncodeToString([]byte("via http")),
	})
	require.NoError(t, err)
	resp, err = http.Post(base+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sent map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	require.NotEmpty(t, sent["id"])

	require.Eventually(t, func() bool {
		inbox, err := b.Inbox(context.Background(), 10)
		return err == nil && len(inbox) == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp, err = http.Get(fmt.Sprintf("%s/outbox?status=%s", base, storage.StatusDelivered))
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)

	// The recipient's admin surface traces the admission.
	resp, err = http.Get(baseB + "/messages/" + sent["id"])
	require.NoError(t, err)
	defer resp.Body.Close()
	var seen struct {
		MessageID string `json:"messageId"`
		Processed bool   `json:"processed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&seen))
	require.Equal(t, sent["id"], seen.MessageID)
	require.True(t, seen.Processed)

	resp, err = http.Get(baseB + "/messages/never-sent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&seen))
	require.False(t, seen.Processed)

	resp, err = http.Get(baseB + "/peers/" + string(a.Self()))
	require.NoError(t, err)
	defer resp.Body.Close()
	var peer struct {
		LastSequence uint64 `json:"lastSequence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peer))
	require.EqualValues(t, 1, peer.LastSequence)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
