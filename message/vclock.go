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

package message

// Clock is a vector clock: the highest logical clock observed per peer.
// Every entry is monotonically non-decreasing.
type Clock map[PeerID]uint64

// Merge folds other into c by element-wise maximum and returns c.
func (c Clock) Merge(other Clock) Clock {
	for peer, tick := range other {
		if tick > c[peer] {
			c[peer] = tick
		}
	}
	return c
}

// Tick advances the entry for peer by one and returns the new value.
func (c Clock) Tick(peer PeerID) uint64 {
	c[peer]++
	return c[peer]
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for peer, tick := range c {
		out[peer] = tick
	}
	return out
}

// Descends reports whether c is greater than or equal to other on every
// entry, i.e. c has observed everything other has.
func (c Clock) Descends(other Clock) bool {
	for peer, tick := range other {
		if c[peer] < tick {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock descends from the other.
func (c Clock) Concurrent(other Clock) bool {
	return !c.Descends(other) && !other.Descends(c)
}
