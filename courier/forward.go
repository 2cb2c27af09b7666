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
	"sort"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport"
)

// Router hands locally originated messages to relay peers when the
// recipient cannot be reached directly. Each chosen relay receives the
// sealed message wrapped in a store-and-forward envelope and assumes
// delivery duty; the payload stays sealed to the final recipient
// throughout.
type Router struct {
	self      *crypto.Identity
	store     *storage.Store
	net       transport.Transport
	acks      *ackTable
	observers *Observers
	metrics   *Metrics
	log       zerolog.Logger
	cfg       Config
}

// NewRouter wires a store-and-forward router.
func NewRouter(self *crypto.Identity, store *storage.Store, net transport.Transport,
	acks *ackTable, observers *Observers, metrics *Metrics, log zerolog.Logger, cfg Config) *Router {
	return &Router{
		self:      self,
		store:     store,
		net:       net,
		acks:      acks,
		observers: observers,
		metrics:   metrics,
		log:       log.With().Str("component", "forward").Logger(),
		cfg:       cfg.withDefaults(),
	}
}

// Replicate offers the entry to up to ReplicaCount relays and reports
// how many accepted custody. Relayed entries are never re-relayed, so
// a message crosses at most one hop of indirection. Relays that
// already hold a replica are skipped; calling again after more peers
// connect tops the replica set up.
func (r *Router) Replicate(ctx context.Context, e storage.OutboxEntry) (int, error) {
	if e.Origin != r.self.PeerID() {
		return 0, nil
	}
	m, err := message.Decode(e.Blob)
	if err != nil {
		return 0, err
	}
	data, ok := m.(*message.Data)
	if !ok {
		return 0, nil
	}

	relays := r.candidates(ctx, e.Target)
	if len(relays) > r.cfg.ReplicaCount {
		relays = relays[:r.cfg.ReplicaCount]
	}
	if len(relays) == 0 {
		r.log.Debug().Str("msg", e.MessageID).Msg("no relay candidates")
		return 0, nil
	}

	var stored atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, relay := range relays {
		relay := relay
		g.Go(func() error {
			if r.offer(ctx, relay, e.MessageID, data) {
				stored.Add(1)
				r.metrics.Replications.Inc()
			}
			return nil
		})
	}
	g.Wait()
	return int(stored.Load()), nil
}

// candidates ranks the connected peers eligible to relay: trusted
// contacts first, then by recency of contact, excluding the recipient
// itself and this node.
func (r *Router) candidates(ctx context.Context, target message.PeerID) []message.PeerID {
	excluded := mapset.NewSet(target, r.self.PeerID())

	var peers []message.PeerID
	for _, p := range r.net.Peers() {
		if !excluded.Contains(p) {
			peers = append(peers, p)
		}
	}

	trusted := mapset.NewSet[message.PeerID]()
	lastSeen := make(map[message.PeerID]int64)
	if contacts, err := r.store.ListContacts(ctx); err == nil {
		for _, c := range contacts {
			if c.Trusted {
				trusted.Add(c.PeerID)
			}
			lastSeen[c.PeerID] = c.LastSeen.UnixMilli()
		}
	}
	if routes, err := r.store.ListRoutes(ctx); err == nil {
		for _, rt := range routes {
			if ms := rt.LastSeen.UnixMilli(); ms > lastSeen[rt.PeerID] {
				lastSeen[rt.PeerID] = ms
			}
		}
	}

	sort.SliceStable(peers, func(i, j int) bool {
		ti, tj := trusted.Contains(peers[i]), trusted.Contains(peers[j])
		if ti != tj {
			return ti
		}
		return lastSeen[peers[i]] > lastSeen[peers[j]]
	})
	return peers
}

// offer hands one replica to a relay and waits for its custody ACK.
func (r *Router) offer(ctx context.Context, relay message.PeerID, messageID string, data *message.Data) bool {
	assigned, err := r.store.AssignReplica(ctx, messageID, relay, time.Now())
	if err != nil {
		r.log.Error().Err(err).Str("msg", messageID).Msg("assign replica")
		return false
	}
	if !assigned {
		return false
	}
	log := r.log.With().Str("msg", messageID).Str("relay", string(relay)).Logger()

	sf := &message.StoreAndForward{
		MsgID:     uuid.NewString(),
		From:      r.self.PeerID(),
		To:        relay,
		Timestamp: nowMillis(),
		Stored:    data,
	}
	ch, cancel := r.acks.register(sf.MsgID)
	defer cancel()

	if err := sendOneShot(ctx, r.net, relay, sf, r.cfg.DialTimeout, r.cfg.WriteTimeout); err != nil {
		log.Debug().Err(err).Msg("relay unreachable")
		r.failReplica(messageID, relay, "transport: "+err.Error())
		return false
	}

	wait := time.NewTimer(r.cfg.AckTimeout)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		r.failReplica(messageID, relay, "cancelled")
		return false
	case <-wait.C:
		log.Debug().Msg("custody ack timeout")
		r.failReplica(messageID, relay, "ack-timeout")
		return false
	case rc := <-ch:
		if !rc.ok {
			log.Debug().Str("reason", rc.reason).Msg("custody refused")
			r.failReplica(messageID, relay, "nak:"+rc.reason)
			return false
		}
		if err := r.store.MarkReplicaStored(context.Background(), messageID, relay); err != nil {
			log.Error().Err(err).Msg("mark replica stored")
			return false
		}
		log.Info().Msg("replica stored")
		r.observers.replicaUpdated(ReplicaEvent{
			MessageID: messageID, Relay: relay, State: storage.ReplicaStored,
		})
		return true
	}
}

func (r *Router) failReplica(messageID string, relay message.PeerID, reason string) {
	if err := r.store.MarkReplicaFailed(context.Background(), messageID, relay, reason); err != nil {
		r.log.Error().Err(err).Str("msg", messageID).Msg("mark replica failed")
		return
	}
	r.observers.replicaUpdated(ReplicaEvent{
		MessageID: messageID, Relay: relay, State: storage.ReplicaFailed, Reason: reason,
	})
}
