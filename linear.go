// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rhmap

import "golang.org/x/exp/constraints"

const (
	// linearMaxLoadFactor counts tombstones as occupied: a table full of
	// tombstones must still grow, or probe runs never terminate early.
	linearMaxLoadFactor = 0.9

	// fibonacciMult is 2^64 / phi, the usual multiplicative mixer.
	fibonacciMult = 11400714819323198485
)

// LinearMap is a plain linear-probing hash table that marks deleted
// slots with tombstones instead of repairing the probe run. It is the
// lower-complexity fallback to Map: inserts may reuse the first
// tombstone seen along a run, and lookups must walk through tombstones
// rather than exiting early.
//
// The trade-off is unbounded clustering: under heavy delete/insert
// churn tombstones accumulate, runs of non-empty slots grow, and
// worst-case probe lengths degrade over the table's lifetime (growth
// discards tombstones, but only resets the decay). Prefer Map for
// churn-heavy workloads; LinearMap suits mostly-insert tables where its
// simpler probe loop wins.
//
// Keys are restricted to unsigned integers because the two largest
// values of K are reserved as the empty and tombstone markers; those
// two keys must never be inserted. A LinearMap is NOT goroutine-safe.
type LinearMap[K constraints.Unsigned, V any] struct {
	keys   []K
	values []V
	size   int
	// The number of tombstoned slots, included in the growth trigger.
	tombstones int
	empty      K
	tombstone  K
	mask       int
}

// NewLinear constructs a LinearMap with the specified initial capacity,
// rounded up to a power of two (64 if non-positive). Storage is plain
// heap-allocated slices; the simpler memory model is part of this
// variant's role as a fallback.
func NewLinear[K constraints.Unsigned, V any](initialCapacity int) *LinearMap[K, V] {
	if initialCapacity <= 0 {
		initialCapacity = defaultInitialCapacity
	}
	capacity := 2
	for capacity < initialCapacity {
		capacity *= 2
	}
	m := &LinearMap[K, V]{
		empty:     ^K(0),
		tombstone: ^K(0) - 1,
	}
	m.init(capacity)
	return m
}

func (m *LinearMap[K, V]) init(capacity int) {
	m.keys = make([]K, capacity)
	m.values = make([]V, capacity)
	m.mask = capacity - 1
	for i := range m.keys {
		m.keys[i] = m.empty
	}
}

func (m *LinearMap[K, V]) slot(key K) int {
	return int(uint64(key)*fibonacciMult) & m.mask
}

// Put inserts an entry, overwriting the value if the key is already
// present, and reports whether a new entry was inserted. The first
// tombstone seen along the probe run is reused for new entries.
func (m *LinearMap[K, V]) Put(key K, value V) (inserted bool) {
	if float64(m.size+m.tombstones) >= linearMaxLoadFactor*float64(len(m.keys)) {
		m.grow()
	}

	pos := m.slot(key)
	firstTombstone := -1
	for m.keys[pos] != m.empty {
		if m.keys[pos] == key {
			m.values[pos] = value
			return false
		}
		if m.keys[pos] == m.tombstone && firstTombstone < 0 {
			firstTombstone = pos
		}
		pos = (pos + 1) & m.mask
	}

	if firstTombstone >= 0 {
		pos = firstTombstone
		m.tombstones--
	}
	m.keys[pos] = key
	m.values[pos] = value
	m.size++
	return true
}

// Get retrieves the value for the specified key. Tombstoned slots do
// not terminate the probe; only a truly empty slot proves absence.
func (m *LinearMap[K, V]) Get(key K) (value V, ok bool) {
	pos := m.slot(key)
	for m.keys[pos] != m.empty {
		if m.keys[pos] == key {
			return m.values[pos], true
		}
		pos = (pos + 1) & m.mask
	}
	return value, false
}

// Delete removes the entry for the specified key by marking its slot
// with a tombstone, reporting whether an entry was removed.
func (m *LinearMap[K, V]) Delete(key K) bool {
	pos := m.slot(key)
	for m.keys[pos] != m.empty {
		if m.keys[pos] == key {
			m.keys[pos] = m.tombstone
			var zero V
			m.values[pos] = zero
			m.size--
			m.tombstones++
			return true
		}
		pos = (pos + 1) & m.mask
	}
	return false
}

// grow doubles the capacity and re-inserts the live entries, dropping
// all tombstones.
func (m *LinearMap[K, V]) grow() {
	oldKeys, oldValues := m.keys, m.values
	m.init(2 * len(oldKeys))
	m.size = 0
	m.tombstones = 0

	for i, k := range oldKeys {
		if k != m.empty && k != m.tombstone {
			m.Put(k, oldValues[i])
		}
	}
}

// Len returns the number of entries in the map.
func (m *LinearMap[K, V]) Len() int { return m.size }

// Cap returns the current number of slots, always a power of two.
func (m *LinearMap[K, V]) Cap() int { return len(m.keys) }

// LoadFactor returns the ratio of occupied slots to capacity, not
// counting tombstones.
func (m *LinearMap[K, V]) LoadFactor() float64 {
	return float64(m.size) / float64(len(m.keys))
}

// Clear removes all entries and tombstones, keeping the current
// capacity.
func (m *LinearMap[K, V]) Clear() {
	for i := range m.keys {
		m.keys[i] = m.empty
	}
	clear(m.values)
	m.size = 0
	m.tombstones = 0
}
