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
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport"
)

// Processor handles inbound protocol streams: it decodes one envelope
// per stream, admits Data and StoreAndForward messages through storage
// and correlates Ack/Nak envelopes with in-flight sends. Admission is
// decided by storage in one transaction; the ACK goes out only after
// the transaction has committed, so an acknowledged message is never
// lost to a crash.
type Processor struct {
	self      *crypto.Identity
	store     *storage.Store
	net       transport.Transport
	acks      *ackTable
	observers *Observers
	metrics   *Metrics
	wake      func()
	log       zerolog.Logger
	cfg       Config
}

// NewProcessor wires an inbound processor. wake is called after an
// admission enqueued new outbox work (nil is allowed).
func NewProcessor(self *crypto.Identity, store *storage.Store, net transport.Transport,
	acks *ackTable, observers *Observers, metrics *Metrics, wake func(),
	log zerolog.Logger, cfg Config) *Processor {
	if wake == nil {
		wake = func() {}
	}
	return &Processor{
		self:      self,
		store:     store,
		net:       net,
		acks:      acks,
		observers: observers,
		metrics:   metrics,
		wake:      wake,
		log:       log.With().Str("component", "inbound").Logger(),
		cfg:       cfg.withDefaults(),
	}
}

// Handle processes one inbound stream. It satisfies transport.Handler.
func (p *Processor) Handle(remote message.PeerID, s transport.Stream) {
	defer s.Close()
	ctx := context.Background()

	s.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	m, err := message.ReadFrame(s)
	if err != nil {
		// Malformed or oversize envelopes carry no trustworthy id to
		// NAK, so the stream is reset and the sender's timeout governs.
		p.log.Debug().Err(err).Str("remote", string(remote)).Msg("dropping undecodable envelope")
		s.Reset()
		return
	}

	switch v := m.(type) {
	case *message.Ack:
		p.handleAck(ctx, v)
	case *message.Nak:
		p.handleNak(ctx, v)
	case *message.Data:
		p.handleData(ctx, v)
	case *message.StoreAndForward:
		p.handleStoreAndForward(ctx, v)
	}
}

// handleAck resolves a waiting sender, or settles the outbox entry
// directly when the ACK arrives after the waiter gave up.
func (p *Processor) handleAck(ctx context.Context, ack *message.Ack) {
	// A delivery receipt from a relay also closes out the matching
	// replica assignment; unknown pairs are stray receipts.
	if err := p.store.MarkReplicaDelivered(ctx, ack.OriginalID, ack.From); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.log.Warn().Err(err).Str("msg", ack.OriginalID).Msg("replica receipt")
	}

	if p.acks.resolve(ack.OriginalID, receipt{ok: true, from: ack.From}) {
		return
	}
	delivered, err := p.store.MarkDelivered(ctx, ack.OriginalID)
	if err != nil {
		p.log.Error().Err(err).Str("msg", ack.OriginalID).Msg("late ack")
		p.observers.nodeError(err)
		return
	}
	if !delivered {
		return
	}
	p.metrics.Transitions.WithLabelValues(string(storage.StatusDelivered)).Inc()
	p.log.Debug().Str("msg", ack.OriginalID).Str("from", string(ack.From)).Msg("delivered via late ack")

	e, err := p.store.GetOutboxEntry(ctx, ack.OriginalID)
	if err == nil {
		p.observers.outboxUpdated(OutboxEvent{
			MessageID: e.MessageID, Target: e.Target, Status: e.Status, Attempts: e.Attempts,
		})
		if e.Origin != p.self.PeerID() {
			p.sendReceipt(e.Origin, e.MessageID)
		}
	}
}

// handleNak resolves a waiting sender; without one, only terminal
// reasons settle the entry (transient NAKs let the retry schedule run).
func (p *Processor) handleNak(ctx context.Context, nak *message.Nak) {
	if p.acks.resolve(nak.OriginalID, receipt{ok: false, reason: nak.Reason, from: nak.From}) {
		return
	}
	if !message.TerminalReason(nak.Reason) {
		return
	}
	err := p.store.MarkFailed(ctx, nak.OriginalID, "nak:"+nak.Reason)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		p.log.Error().Err(err).Str("msg", nak.OriginalID).Msg("late nak")
		p.observers.nodeError(err)
	default:
		p.metrics.Transitions.WithLabelValues(string(storage.StatusFailed)).Inc()
	}
}

// handleData admits a direct message addressed to this node.
func (p *Processor) handleData(ctx context.Context, data *message.Data) {
	if data.To != p.self.PeerID() {
		p.sendNak(data.From, data.MsgID, message.ReasonUnknownRecipient)
		return
	}
	plaintext, err := p.self.Open(data.Payload)
	if err != nil {
		p.sendNak(data.From, data.MsgID, message.ReasonDecryptFailed)
		return
	}

	res, err := p.store.PersistIncoming(ctx, storage.Admission{
		MessageID: data.MsgID,
		From:      data.From,
		Seq:       data.Sequence,
		Clock:     data.Clock,
		Inbox:     &storage.InboxInsert{Payload: plaintext},
	})
	if err != nil {
		// No ACK: the sender keeps the message queued and retries.
		p.metrics.Admissions.WithLabelValues("rejected").Inc()
		p.log.Error().Err(err).Str("msg", data.MsgID).Msg("admission failed")
		p.observers.nodeError(err)
		return
	}
	if res.Duplicate {
		p.metrics.Admissions.WithLabelValues("duplicate").Inc()
	} else {
		p.metrics.Admissions.WithLabelValues("applied").Inc()
	}
	// Duplicates are re-acknowledged: the first ACK may have been lost.
	p.sendAck(data.From, data.MsgID)

	if res.Applied {
		p.log.Info().Str("msg", data.MsgID).Str("from", string(data.From)).
			Uint64("seq", data.Sequence).Msg("message admitted")
		p.observers.messageReceived(InboxEvent{
			MessageID: data.MsgID,
			From:      data.From,
			Payload:   plaintext,
			Seq:       data.Sequence,
			Timestamp: data.Timestamp,
		})
	}
}

// handleStoreAndForward accepts custody of a carried message and queues
// it for onward delivery. The wrapper id dedups the hand-off itself;
// the carried id dedups the onward outbox entry.
func (p *Processor) handleStoreAndForward(ctx context.Context, sf *message.StoreAndForward) {
	carried := sf.Stored
	if sf.To != p.self.PeerID() || carried.To == p.self.PeerID() {
		// A message for this node must arrive as plain Data; accepting
		// it wrapped would skip the sender's direct-delivery path.
		p.sendNak(sf.From, sf.MsgID, message.ReasonUnknownRecipient)
		return
	}
	blob, err := message.Encode(carried)
	if err != nil {
		p.sendNak(sf.From, sf.MsgID, message.ReasonOversize)
		return
	}

	now := time.Now()
	res, err := p.store.PersistIncoming(ctx, storage.Admission{
		MessageID: sf.MsgID,
		From:      sf.From,
		Forward: &storage.OutboxInsert{
			MessageID: carried.MsgID,
			Target:    carried.To,
			Origin:    carried.From,
			Blob:      blob,
			ExpiresAt: now.Add(p.cfg.MessageTTL),
		},
		Now: now,
	})
	switch {
	case errors.Is(err, storage.ErrOutboxFull):
		p.metrics.Admissions.WithLabelValues("rejected").Inc()
		p.sendNak(sf.From, sf.MsgID, message.ReasonBusy)
		return
	case err != nil:
		p.metrics.Admissions.WithLabelValues("rejected").Inc()
		p.log.Error().Err(err).Str("msg", sf.MsgID).Msg("hand-off admission failed")
		p.observers.nodeError(err)
		p.sendNak(sf.From, sf.MsgID, message.ReasonStorage)
		return
	}
	if res.Duplicate {
		p.metrics.Admissions.WithLabelValues("duplicate").Inc()
	} else {
		p.metrics.Admissions.WithLabelValues("applied").Inc()
		p.log.Info().Str("msg", carried.MsgID).Str("target", string(carried.To)).
			Str("origin", string(carried.From)).Msg("custody accepted")
	}
	p.sendAck(sf.From, sf.MsgID)
	if res.Applied {
		p.wake()
	}
}

func (p *Processor) sendAck(to message.PeerID, originalID string) {
	p.sendControl(newAck(p.self.PeerID(), to, originalID), "ack")
}

func (p *Processor) sendNak(to message.PeerID, originalID, reason string) {
	p.metrics.Naks.WithLabelValues(reason).Inc()
	p.sendControl(newNak(p.self.PeerID(), to, originalID, reason), "nak")
}

// sendReceipt tells the originator its message reached the recipient
// through this relay. Best effort; a lost receipt costs the originator
// one redundant retry at most.
func (p *Processor) sendReceipt(origin message.PeerID, originalID string) {
	go p.sendControl(newAck(p.self.PeerID(), origin, originalID), "receipt")
}

func (p *Processor) sendControl(m message.Message, kind string) {
	err := sendOneShot(context.Background(), p.net, m.Recipient(), m, p.cfg.DialTimeout, p.cfg.WriteTimeout)
	if err != nil {
		p.log.Debug().Err(err).Str("kind", kind).Str("to", string(m.Recipient())).Msg("control send failed")
	}
}
