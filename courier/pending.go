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

	"github.com/yapyap/yapyap/message"
)

// receipt is the outcome relayed from the inbound path to a waiter.
type receipt struct {
	ok     bool   // ACK if true, NAK otherwise
	reason string // NAK reason
	from   message.PeerID
}

// ackTable correlates in-flight sends with ACK/NAK envelopes arriving
// on fresh streams. Keyed by the original message id; one waiter per id
// at a time (claim exclusivity guarantees that for outbox entries).
type ackTable struct {
	mu      sync.Mutex
	waiters map[string]chan receipt
}

func newAckTable() *ackTable {
	return &ackTable{waiters: make(map[string]chan receipt)}
}

// register installs a waiter for the message id. The returned cancel
// must be called once the waiter is done; it is idempotent.
func (t *ackTable) register(id string) (<-chan receipt, func()) {
	ch := make(chan receipt, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if t.waiters[id] == ch {
			delete(t.waiters, id)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// resolve hands a receipt to the waiter for id, reporting whether one
// was present. Late receipts with no waiter are the caller's problem.
func (t *ackTable) resolve(id string, r receipt) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}
