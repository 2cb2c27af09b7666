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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport"
)

// Engine bundles the delivery pipeline around one shared ack table:
// the inbound processor, the dispatcher and the store-and-forward
// router. Construct it, register the processor as the protocol's
// stream handler and run the dispatcher.
type Engine struct {
	Processor  *Processor
	Dispatcher *Dispatcher
	Router     *Router
	Metrics    *Metrics
}

// NewEngine wires a complete delivery engine.
func NewEngine(self *crypto.Identity, store *storage.Store, net transport.Transport,
	observers *Observers, reg prometheus.Registerer, log zerolog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	acks := newAckTable()
	metrics := NewMetrics(reg)

	router := NewRouter(self, store, net, acks, observers, metrics, log, cfg)
	dispatcher := NewDispatcher(self, store, net, acks, router, observers, metrics, log, cfg)
	processor := NewProcessor(self, store, net, acks, observers, metrics, dispatcher.Kick, log, cfg)

	net.SetStreamHandler(ProtocolID, processor.Handle)
	return &Engine{
		Processor:  processor,
		Dispatcher: dispatcher,
		Router:     router,
		Metrics:    metrics,
	}
}

// Run drives the dispatcher until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.Dispatcher.Run(ctx)
}
