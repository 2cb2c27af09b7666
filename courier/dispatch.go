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
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport"
)

// Dispatcher drains the outbox: a waker claims due entries, a worker
// pool delivers them, and a sweeper enforces TTLs, reclaims orphaned
// claims and prunes retired rows. All scheduling state lives in
// storage; the dispatcher itself is stateless across restarts.
type Dispatcher struct {
	self      *crypto.Identity
	store     *storage.Store
	net       transport.Transport
	acks      *ackTable
	router    *Router
	observers *Observers
	metrics   *Metrics
	log       zerolog.Logger
	cfg       Config

	kick chan struct{}
}

// NewDispatcher wires a dispatcher. router may be nil to disable
// store-and-forward.
func NewDispatcher(self *crypto.Identity, store *storage.Store, net transport.Transport,
	acks *ackTable, router *Router, observers *Observers, metrics *Metrics,
	log zerolog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		self:      self,
		store:     store,
		net:       net,
		acks:      acks,
		router:    router,
		observers: observers,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatch").Logger(),
		cfg:       cfg.withDefaults(),
		kick:      make(chan struct{}, 1),
	}
}

// Kick nudges the waker after new outbox work was enqueued. Safe from
// any goroutine; a pending nudge coalesces.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, running the waker, the worker pool
// and the sweeper. Entries claimed when cancellation hits stay in
// processing and are reclaimed by the orphan sweep on the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	entries := make(chan storage.OutboxEntry)

	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case e := <-entries:
					d.deliver(ctx, e)
				}
			}
		})
	}
	g.Go(func() error { return d.wakeLoop(ctx, entries) })
	g.Go(func() error { return d.sweepLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// wakeLoop claims due entries and feeds the workers, sleeping until the
// earliest pending retry or the next kick.
func (d *Dispatcher) wakeLoop(ctx context.Context, entries chan<- storage.OutboxEntry) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		case <-timer.C:
		}

		for {
			claimed, err := d.store.ClaimDue(ctx, time.Now(), 2*d.cfg.Workers)
			if err != nil {
				d.log.Error().Err(err).Msg("claim due")
				d.observers.nodeError(err)
				break
			}
			if len(claimed) == 0 {
				break
			}
			for _, e := range claimed {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case entries <- e:
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.nextWake())
	}
}

// nextWake returns the sleep until the earliest pending retry, clamped
// to the sweep interval so TTL expiries are never starved.
func (d *Dispatcher) nextWake() time.Duration {
	sleep := d.cfg.SweepInterval
	if due, ok, err := d.store.NextDue(context.Background()); err == nil && ok {
		if until := time.Until(due); until < sleep {
			sleep = until
		}
	}
	if sleep < 10*time.Millisecond {
		sleep = 10 * time.Millisecond
	}
	return sleep
}

// sweepLoop runs the TTL sweeper and, on a slower cadence, the
// retention pruners.
func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			now := time.Now()
			failed, deleted, err := d.store.SweepExpired(ctx, now, d.cfg.Retention)
			if err != nil {
				d.log.Error().Err(err).Msg("ttl sweep")
				d.observers.nodeError(err)
				continue
			}
			if failed > 0 {
				d.metrics.Transitions.WithLabelValues(string(storage.StatusFailed)).Add(float64(failed))
				d.log.Info().Int64("failed", failed).Int64("deleted", deleted).Msg("expired entries swept")
			}
			released, err := d.store.ReleaseOrphans(ctx, now.Add(-2*d.cfg.AckTimeout))
			if err != nil {
				d.log.Error().Err(err).Msg("orphan release")
				continue
			}
			if released > 0 {
				d.log.Warn().Int64("released", released).Msg("orphaned claims reclaimed")
				d.Kick()
			}
		case <-prune.C:
			cutoff := time.Now().Add(-d.cfg.Retention)
			if n, err := d.store.PruneProcessed(ctx, cutoff); err != nil {
				d.log.Error().Err(err).Msg("prune processed")
			} else if n > 0 {
				d.log.Debug().Int64("pruned", n).Msg("admission markers pruned")
			}
			if _, err := d.store.PruneReplicas(ctx, cutoff); err != nil {
				d.log.Error().Err(err).Msg("prune replicas")
			}
		}
	}
}

// deliver attempts one claimed entry: write the stored envelope to the
// target and wait for the correlated ACK or NAK on the ack table.
func (d *Dispatcher) deliver(ctx context.Context, e storage.OutboxEntry) {
	now := time.Now()

	// The claim stamp dates from ClaimDue, and the entry may have sat in
	// the hand-off queue long enough for the orphan sweep to release it.
	// Re-stamp before touching the wire; losing the race means another
	// claim now owns this entry.
	held, err := d.store.RefreshClaim(ctx, e.MessageID, e.ClaimedAt, now)
	if err != nil {
		d.log.Error().Err(err).Str("msg", e.MessageID).Msg("refresh claim")
		d.observers.nodeError(err)
		return
	}
	if !held {
		d.log.Debug().Str("msg", e.MessageID).Msg("claim lost while queued")
		return
	}

	if !e.ExpiresAt.After(now) {
		d.markFailed(ctx, e, message.ReasonTTLExpired)
		return
	}
	log := d.log.With().Str("msg", e.MessageID).Str("target", string(e.Target)).
		Int("attempt", e.Attempts+1).Logger()

	ch, cancel := d.acks.register(e.MessageID)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	s, err := d.net.OpenStream(dialCtx, e.Target, ProtocolID)
	dialCancel()
	if err != nil {
		log.Debug().Err(err).Msg("dial failed")
		d.metrics.SendFailures.WithLabelValues("dial").Inc()
		d.retry(ctx, e, "transport-dial")
		return
	}
	defer s.Close()

	if err := writeRawEnvelope(s, e.Blob, d.cfg.WriteTimeout); err != nil {
		log.Debug().Err(err).Msg("write failed")
		d.metrics.SendFailures.WithLabelValues("write").Inc()
		d.retry(ctx, e, "transport-write")
		return
	}

	wait := time.NewTimer(d.cfg.AckTimeout)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		// Shutting down mid-flight. The entry stays in processing and
		// the orphan sweep returns it to pending on the next run.
		return
	case <-wait.C:
		log.Debug().Msg("ack timeout")
		d.metrics.SendFailures.WithLabelValues("ack-timeout").Inc()
		d.retry(ctx, e, "ack-timeout")
	case r := <-ch:
		if r.ok {
			d.markDelivered(ctx, e)
			return
		}
		log.Debug().Str("reason", r.reason).Msg("nak received")
		if message.TerminalReason(r.reason) {
			d.markFailed(ctx, e, "nak:"+r.reason)
			return
		}
		d.retry(ctx, e, "nak:"+r.reason)
	}
}

func (d *Dispatcher) markDelivered(ctx context.Context, e storage.OutboxEntry) {
	delivered, err := d.store.MarkDelivered(ctx, e.MessageID)
	if err != nil {
		d.log.Error().Err(err).Str("msg", e.MessageID).Msg("mark delivered")
		d.observers.nodeError(err)
		return
	}
	if !delivered {
		return
	}
	d.metrics.Transitions.WithLabelValues(string(storage.StatusDelivered)).Inc()
	d.log.Info().Str("msg", e.MessageID).Str("target", string(e.Target)).Msg("delivered")
	d.observers.outboxUpdated(OutboxEvent{
		MessageID: e.MessageID, Target: e.Target, Status: storage.StatusDelivered, Attempts: e.Attempts,
	})
	if e.Origin != d.self.PeerID() {
		// Relay duty done: tell the originator so it can stop retrying.
		ack := newAck(d.self.PeerID(), e.Origin, e.MessageID)
		go func() {
			if err := sendOneShot(context.Background(), d.net, e.Origin, ack, d.cfg.DialTimeout, d.cfg.WriteTimeout); err != nil {
				d.log.Debug().Err(err).Str("origin", string(e.Origin)).Msg("delivery receipt failed")
			}
		}()
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, e storage.OutboxEntry, reason string) {
	err := d.store.MarkFailed(ctx, e.MessageID, reason)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return
	case err != nil:
		d.log.Error().Err(err).Str("msg", e.MessageID).Msg("mark failed")
		d.observers.nodeError(err)
		return
	}
	d.metrics.Transitions.WithLabelValues(string(storage.StatusFailed)).Inc()
	d.log.Warn().Str("msg", e.MessageID).Str("target", string(e.Target)).
		Str("reason", reason).Msg("delivery failed")
	d.observers.outboxUpdated(OutboxEvent{
		MessageID: e.MessageID, Target: e.Target, Status: storage.StatusFailed,
		Attempts: e.Attempts, Reason: reason,
	})
}

// retry reschedules a failed attempt. Once the direct attempt budget is
// spent, locally originated messages are handed to relays and the entry
// drops to the slow retry cadence; the TTL sweep is the terminal
// authority from then on.
func (d *Dispatcher) retry(ctx context.Context, e storage.OutboxEntry, reason string) {
	attempt := e.Attempts + 1

	var next time.Time
	if attempt >= d.cfg.MaxAttempts {
		if d.router != nil && e.Origin == d.self.PeerID() {
			if n, err := d.router.Replicate(ctx, e); err != nil {
				d.log.Warn().Err(err).Str("msg", e.MessageID).Msg("replication failed")
			} else if n > 0 {
				d.log.Info().Str("msg", e.MessageID).Int("relays", n).Msg("handed to relays")
			}
		}
		next = time.Now().Add(d.cfg.BackoffCap)
	} else {
		next = time.Now().Add(backoffDelay(attempt, d.cfg.BackoffBase, d.cfg.BackoffCap))
	}

	err := d.store.ScheduleRetry(ctx, e.MessageID, next, reason)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// A late ACK settled the entry between the timeout and here.
		return
	case err != nil:
		d.log.Error().Err(err).Str("msg", e.MessageID).Msg("schedule retry")
		d.observers.nodeError(err)
		return
	}
	d.metrics.Transitions.WithLabelValues("retried").Inc()
	d.observers.outboxUpdated(OutboxEvent{
		MessageID: e.MessageID, Target: e.Target, Status: storage.StatusPending,
		Attempts: attempt, Reason: reason,
	})
}

// backoffDelay is the exponential retry delay for the given attempt
// number (1-based): base doubled per attempt, capped, with 20% jitter
// to spread synchronized retries.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	d := ceiling
	if shift := uint(attempt - 1); shift < 32 {
		if exp := base << shift; exp > 0 && exp < ceiling {
			d = exp
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
