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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport/memory"
)

// testConfig keeps the timers short enough for the suite.
func testConfig() Config {
	return Config{
		Workers:       2,
		MaxAttempts:   3,
		ReplicaCount:  3,
		AckTimeout:    500 * time.Millisecond,
		DialTimeout:   500 * time.Millisecond,
		ReadTimeout:   500 * time.Millisecond,
		WriteTimeout:  500 * time.Millisecond,
		BackoffBase:   10 * time.Millisecond,
		BackoffCap:    50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		MessageTTL:    time.Hour,
		Retention:     time.Hour,
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 8, cfg.MaxAttempts)
	require.Equal(t, 3, cfg.ReplicaCount)
	require.Equal(t, 30*time.Second, cfg.AckTimeout)
	require.Equal(t, 10*time.Second, cfg.DialTimeout)
	require.Equal(t, 10*time.Second, cfg.ReadTimeout)
	require.Equal(t, 10*time.Second, cfg.WriteTimeout)
	require.Equal(t, 2*time.Second, cfg.BackoffBase)
	require.Equal(t, 5*time.Minute, cfg.BackoffCap)
	require.Equal(t, time.Second, cfg.SweepInterval)
	require.Equal(t, 7*24*time.Hour, cfg.MessageTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Retention)
}

// testNode bundles one node's delivery engine over the shared fabric.
type testNode struct {
	id      *crypto.Identity
	store   *storage.Store
	tr      *memory.Transport
	acks    *ackTable
	obs     *Observers
	metrics *Metrics
	proc    *Processor
	cfg     Config
}

func newTestNode(t *testing.T, net *memory.Network, cfg Config) *testNode {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	st, err := storage.Open(filepath.Join(t.TempDir(), "node.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n := &testNode{
		id:      id,
		store:   st,
		tr:      net.Join(id),
		acks:    newAckTable(),
		obs:     NewObservers(zerolog.Nop()),
		metrics: NewMetrics(prometheus.NewRegistry()),
		cfg:     cfg,
	}
	n.proc = NewProcessor(id, st, n.tr, n.acks, n.obs, n.metrics, nil, zerolog.Nop(), cfg)
	n.tr.SetStreamHandler(ProtocolID, n.proc.Handle)
	return n
}

// sealedData builds a Data envelope from one node to another, payload
// sealed to the recipient.
func sealedData(t *testing.T, from *testNode, to message.PeerID, plaintext []byte) *message.Data {
	t.Helper()
	sealed, err := crypto.Seal(to, plaintext)
	require.NoError(t, err)
	return &message.Data{
		MsgID:     uuid.NewString(),
		From:      from.id.PeerID(),
		To:        to,
		Timestamp: time.Now().UnixMilli(),
		Payload:   sealed,
		Sequence:  1,
	}
}

// send writes one envelope to a peer and waits for the correlated
// ACK/NAK via the sender's ack table.
func (n *testNode) send(t *testing.T, m message.Message, to message.PeerID) receipt {
	t.Helper()
	ch, cancel := n.acks.register(m.ID())
	defer cancel()

	err := sendOneShot(context.Background(), n.tr, to, m, n.cfg.DialTimeout, n.cfg.WriteTimeout)
	require.NoError(t, err)

	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no ack/nak for %s", m.ID())
		return receipt{}
	}
}
