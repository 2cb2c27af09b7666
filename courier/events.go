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
	"sync"

	"github.com/rs/zerolog"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
)

// InboxEvent announces a freshly admitted message for this node.
type InboxEvent struct {
	MessageID string
	From      message.PeerID
	Payload   []byte // decrypted
	Seq       uint64
	Timestamp int64
}

// OutboxEvent announces an outbox entry status change.
type OutboxEvent struct {
	MessageID string
	Target    message.PeerID
	Status    storage.Status
	Attempts  int
	Reason    string
}

// ReplicaEvent announces a replica assignment state change.
type ReplicaEvent struct {
	MessageID string
	Relay     message.PeerID
	State     storage.ReplicaState
	Reason    string
}

// Observer is the closed set of observability capabilities offered to
// embedders. Implementations run synchronously on pipeline goroutines
// and must be quick; panics are recovered and logged, and never affect
// delivery correctness.
type Observer interface {
	OnMessageReceived(InboxEvent)
	OnOutboxUpdated(OutboxEvent)
	OnReplicaUpdated(ReplicaEvent)
	OnNodeError(err error)
}

// Observers is a supervisor-owned observer registry, handed to the
// pipeline components by reference. Tests build a fresh one per case;
// there is no process-global registry.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
	log  zerolog.Logger
}

// NewObservers creates an empty registry.
func NewObservers(log zerolog.Logger) *Observers {
	return &Observers{log: log.With().Str("component", "events").Logger()}
}

// Register adds an observer. Registration order is notification order.
func (o *Observers) Register(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *Observers) each(fn func(Observer)) {
	o.mu.RLock()
	obs := o.list
	o.mu.RUnlock()
	for _, ob := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Warn().Interface("panic", r).Msg("observer panicked")
				}
			}()
			fn(ob)
		}()
	}
}

func (o *Observers) messageReceived(ev InboxEvent) {
	o.each(func(ob Observer) { ob.OnMessageReceived(ev) })
}

func (o *Observers) outboxUpdated(ev OutboxEvent) {
	o.each(func(ob Observer) { ob.OnOutboxUpdated(ev) })
}

func (o *Observers) replicaUpdated(ev ReplicaEvent) {
	o.each(func(ob Observer) { ob.OnReplicaUpdated(ev) })
}

func (o *Observers) nodeError(err error) {
	o.each(func(ob Observer) { ob.OnNodeError(err) })
}

// NopObserver implements Observer with no-ops, for embedding partial
// observers.
type NopObserver struct{}

func (NopObserver) OnMessageReceived(InboxEvent)  {}
func (NopObserver) OnOutboxUpdated(OutboxEvent)   {}
func (NopObserver) OnReplicaUpdated(ReplicaEvent) {}
func (NopObserver) OnNodeError(error)             {}
