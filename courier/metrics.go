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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the delivery engine counters. Registered against a
// supervisor-owned registry, never the process default.
type Metrics struct {
	Admissions   *prometheus.CounterVec // result: applied | duplicate | rejected
	Transitions  *prometheus.CounterVec // status: delivered | failed | retried
	Naks         *prometheus.CounterVec // reason
	Replications prometheus.Counter
	SendFailures *prometheus.CounterVec // kind: dial | write | ack-timeout
}

// NewMetrics builds and registers the courier counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yapyap", Subsystem: "courier",
			Name: "admissions_total", Help: "Inbound messages by admission result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yapyap", Subsystem: "courier",
			Name: "outbox_transitions_total", Help: "Outbox entry status transitions.",
		}, []string{"status"}),
		Naks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yapyap", Subsystem: "courier",
			Name: "naks_total", Help: "NAK envelopes sent by reason.",
		}, []string{"reason"}),
		Replications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yapyap", Subsystem: "courier",
			Name: "replications_total", Help: "Store-and-forward replica hand-offs accepted.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yapyap", Subsystem: "courier",
			Name: "send_failures_total", Help: "Delivery attempt failures by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Admissions, m.Transitions, m.Naks, m.Replications, m.SendFailures)
	}
	return m
}
