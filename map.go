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

// Package rhmap is a Go implementation of an arena-backed Robin Hood
// hash table aimed at high-churn workloads (continuous insert/lookup/
// delete cycles) where allocation overhead and cache misses dominate.
//
// # Robin Hood hashing
//
// The table uses open addressing with linear probing. Every occupied
// slot records its probe distance: the number of forward steps (with
// wraparound) between the key's ideal hash-derived slot and the slot it
// actually occupies. On a collision during insertion, whichever of the
// two competing entries has traveled farther keeps the slot and the
// other carries on probing. Displacing the "richer" entry (the one
// closer to its ideal slot) bounds the variance of probe lengths across
// the table, which in turn enables an early exit during lookup: entries
// along a probe run are ordered by probe distance, so a resident entry
// with a smaller probe distance than the search's current distance
// proves the key cannot appear later in the run.
//
// Deletion uses backward shifting instead of tombstones: the entries
// following the deleted slot are moved one slot back (each ending up
// one step closer to its ideal position) until an empty slot or an
// entry that is already at its ideal position is reached. The run
// closes up with no gaps, so probe runs never degrade over the table's
// lifetime the way tombstone schemes do.
//
// # Layout
//
// The metadata array (key, probe distance, slot status) and the value
// array are separate, parallel arrays (structure of arrays), so the
// common key-miss probe touches only metadata cache lines. The arrays
// live inside a single Arena region reserved up front, with one
// exception: the garbage collector does not scan arena memory, so an
// array whose element type contains pointers (string keys, values
// holding slices or pointers) is allocated on the ordinary Go heap
// instead, where the collector keeps the referents alive. Growing the
// table carves fresh ranges out of the arena and abandons the old ones.
// The arena never reclaims abandoned ranges, so a table that grows
// enough times exhausts the arena and Put fails hard with
// arena.ErrArenaFull, so size the arena for the largest table you
// expect (see WithArenaSize).
//
// # Concurrency
//
// A Map is NOT goroutine-safe. Callers must externally serialize all
// mutating operations; concurrent Gets are safe only while no mutation
// is in flight on the same Map. Values are relocated by plain
// assignment during insert, growth, and the erase shift.
package rhmap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"reflect"
	"strings"
	"unsafe"

	"github.com/cockroachdb/rhmap/arena"
)

const (
	debug = false

	defaultMaxLoadFactor   = 0.85
	defaultInitialCapacity = 64
	defaultArenaBytes      = 1 << 30
)

type slotStatus uint8

const (
	slotEmpty    slotStatus = 0
	slotOccupied slotStatus = 1
)

// metaEntry is the probing side of the structure-of-arrays layout. The
// probe distance is 16 bits, which bounds a single probe run at 65535
// displaced slots; the load-factor threshold keeps real runs far
// shorter than that.
type metaEntry[K comparable] struct {
	key    K
	dist   uint16
	status slotStatus
}

// Map is an unordered map from keys to values with Put, Get, Delete,
// and All operations, implemented as an arena-backed Robin Hood hash
// table. The zero value is not usable; construct with New.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K, and the per-map seed
	// it is called with.
	hash hashFn[K]
	seed uint64
	// The arena owning the array storage, when the element types allow
	// it. arenaEnd is the first byte past the live arena ranges; growth
	// places the next arrays there. An array whose element type
	// contains pointers lives on the Go heap instead (see the package
	// comment) and consumes no arena space.
	arena         *arena.Arena
	meta          []metaEntry[K]
	values        []V
	arenaEnd      int
	metaInArena   bool
	valuesInArena bool
	// The total number of slots, always a power of two. mask is
	// capacity-1 and turns the modulo in slot addressing into a
	// bitwise AND.
	capacity int
	mask     int
	// The number of occupied slots.
	size int
	// Construction-time tunables, set by options.
	maxLoadFactor float64
	arenaBytes    int
}

// New constructs a Map with the specified initial capacity, rounded up
// to a power of two (64 if non-positive). The arena backing the map is
// reserved here; New fails if the mapping cannot be established or the
// initial arrays do not fit.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{
		hash:          defaultHashFn[K](),
		seed:          rand.Uint64(),
		maxLoadFactor: defaultMaxLoadFactor,
		arenaBytes:    defaultArenaBytes,
	}
	for _, op := range options {
		op.apply(m)
	}
	if m.maxLoadFactor <= 0 || m.maxLoadFactor >= 1 {
		return nil, fmt.Errorf("rhmap: max load factor %v outside (0,1)", m.maxLoadFactor)
	}

	if initialCapacity <= 0 {
		initialCapacity = defaultInitialCapacity
	}
	capacity := 1 << bits.Len(uint(initialCapacity-1))
	if capacity < 2 {
		capacity = 2
	}

	var v V
	m.metaInArena = !typeHasPointers(reflect.TypeFor[K]())
	m.valuesInArena = unsafe.Sizeof(v) > 0 && !typeHasPointers(reflect.TypeFor[V]())

	a, err := arena.New(m.arenaBytes)
	if err != nil {
		return nil, err
	}
	m.arena = a
	if err := m.install(capacity, 0); err != nil {
		_ = a.Close()
		return nil, err
	}
	m.checkInvariants()
	return m, nil
}

// install places metadata and value arrays of the given capacity at
// cacheline-aligned arena offsets starting at startOffset, bump-tracks
// the arena usage to cover them, and swaps the new views in. Arrays
// whose element type contains pointers are heap-allocated instead and
// consume no arena space. On error the map is left untouched.
func (m *Map[K, V]) install(capacity, startOffset int) error {
	metaSize := int(unsafe.Sizeof(metaEntry[K]{}))
	var v V
	valSize := int(unsafe.Sizeof(v))

	off := arena.AlignCacheline(startOffset)
	var meta []metaEntry[K]
	if m.metaInArena {
		var err error
		meta, err = arenaSliceAt[metaEntry[K]](m.arena, off, capacity)
		if err != nil {
			return err
		}
		off = arena.AlignCacheline(off + capacity*metaSize)
	} else {
		meta = make([]metaEntry[K], capacity)
	}
	var values []V
	if m.valuesInArena {
		var err error
		values, err = arenaSliceAt[V](m.arena, off, capacity)
		if err != nil {
			return err
		}
		off += capacity * valSize
	} else {
		values = make([]V, capacity)
	}
	end := off

	// The views sit at pre-computed offsets; advance the arena's usage
	// counter to account for them.
	for m.arena.Used() < end {
		if _, _, err := m.arena.Alloc(arena.CachelineSize, 1); err != nil {
			return err
		}
	}

	// Ranges are never reused, so the mmap paths hand these out zeroed
	// already; the heap fallback and explicitness both want the clear.
	clear(meta)

	m.meta = meta
	m.values = values
	m.arenaEnd = end
	m.capacity = capacity
	m.mask = capacity - 1
	return nil
}

// Put inserts an entry into the map, overwriting the value if an entry
// with the same key already exists. It reports whether a new entry was
// inserted (false means an existing entry was updated). Put may grow
// the table first; if growth cannot be satisfied by the arena the
// error is returned and the map is unchanged.
func (m *Map[K, V]) Put(key K, value V) (inserted bool, err error) {
	if float64(m.size) >= m.maxLoadFactor*float64(m.capacity) {
		if err := m.grow(); err != nil {
			return false, err
		}
	}

	h := m.hash(key, m.seed)
	pos := int(h) & m.mask
	carried := metaEntry[K]{key: key, status: slotOccupied}
	carriedVal := value
	displaced := false
	if debug {
		fmt.Printf("put(%v): pos=%d\n", key, pos)
	}

	for {
		e := &m.meta[pos]

		if e.status == slotEmpty {
			*e = carried
			m.values[pos] = carriedVal
			m.size++
			m.checkInvariants()
			return true, nil
		}

		// Once a swap has happened the carried entry is a displaced
		// resident, and residents are unique, so the update check only
		// matters before the first swap.
		if !displaced && e.key == key {
			m.values[pos] = value
			m.checkInvariants()
			return false, nil
		}

		// The Robin Hood rule: if the carried entry has traveled
		// farther than the resident, the resident yields its slot and
		// is carried forward instead.
		if carried.dist > e.dist {
			*e, carried = carried, *e
			m.values[pos], carriedVal = carriedVal, m.values[pos]
			displaced = true
			if debug {
				fmt.Printf("put(%v): displaced %v at %d\n", key, carried.key, pos)
			}
		}

		pos = (pos + 1) & m.mask
		carried.dist++
	}
}

// uncheckedPut inserts an entry known not to be in the table. Used by
// grow when re-inserting the surviving entries; violating the
// known-absent requirement corrupts the table.
func (m *Map[K, V]) uncheckedPut(key K, value V) {
	h := m.hash(key, m.seed)
	pos := int(h) & m.mask
	carried := metaEntry[K]{key: key, status: slotOccupied}
	carriedVal := value

	for {
		e := &m.meta[pos]
		if e.status == slotEmpty {
			*e = carried
			m.values[pos] = carriedVal
			m.size++
			return
		}
		if carried.dist > e.dist {
			*e, carried = carried, *e
			m.values[pos], carriedVal = carriedVal, m.values[pos]
		}
		pos = (pos + 1) & m.mask
		carried.dist++
	}
}

// Get retrieves the value for the specified key, returning ok=false if
// the key is not present. Get does not mutate the map.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(key, m.seed)
	pos := int(h) & m.mask
	var dist uint16

	for {
		e := &m.meta[pos]
		if e.status == slotEmpty {
			return value, false
		}
		if e.key == key {
			return m.values[pos], true
		}
		// Entries along a run are ordered by probe distance; a
		// resident that has traveled less than the search proves the
		// key is absent.
		if e.dist < dist {
			return value, false
		}
		pos = (pos + 1) & m.mask
		dist++
	}
}

// Delete removes the entry for the specified key, reporting whether an
// entry was removed. The probe run is repaired in place by shifting the
// entries that follow one slot backward, so no tombstone is ever
// created.
func (m *Map[K, V]) Delete(key K) bool {
	h := m.hash(key, m.seed)
	pos := int(h) & m.mask
	var dist uint16

	for {
		e := &m.meta[pos]
		if e.status == slotEmpty {
			return false
		}
		if e.key == key {
			break
		}
		if e.dist < dist {
			return false
		}
		pos = (pos + 1) & m.mask
		dist++
	}

	// Backward-shift: close the run up. Each moved entry ends one step
	// closer to its ideal slot; an entry at its ideal slot (dist 0) has
	// nothing to gain and terminates the shift.
	cur := pos
	for {
		next := (cur + 1) & m.mask
		n := &m.meta[next]
		if n.status != slotOccupied || n.dist == 0 {
			m.meta[cur] = metaEntry[K]{}
			var zero V
			m.values[cur] = zero
			break
		}
		m.meta[cur] = *n
		m.meta[cur].dist--
		m.values[cur] = m.values[next]
		cur = next
	}

	m.size--
	m.checkInvariants()
	return true
}

// grow doubles the capacity, carving fresh metadata and value ranges
// out of the arena directly after the current ones and re-inserting
// every occupied entry (probe distances are recomputed against the new
// capacity, not copied). The old ranges are abandoned. On error the
// map is unchanged and remains usable at its current capacity.
func (m *Map[K, V]) grow() error {
	oldMeta, oldValues := m.meta, m.values

	if err := m.install(2*m.capacity, m.arenaEnd); err != nil {
		return err
	}
	if debug {
		fmt.Printf("grow: capacity=%d->%d arena=%d/%d\n",
			len(oldMeta), m.capacity, m.arena.Used(), m.arena.Cap())
	}

	m.size = 0
	for i := range oldMeta {
		if oldMeta[i].status == slotOccupied {
			m.uncheckedPut(oldMeta[i].key, oldValues[i])
		}
	}
	m.checkInvariants()
	return nil
}

// All calls yield sequentially for each key and value present in the
// map, in no particular order. If yield returns false, iteration
// stops. The snapshot of the backing arrays is taken up front, so the
// map may be mutated during iteration without invalidating it, though
// mutations are not guaranteed to be visible.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	meta, values := m.meta, m.values
	for i := range meta {
		if meta[i].status == slotOccupied {
			if !yield(meta[i].key, values[i]) {
				return
			}
		}
	}
}

// Clear removes all entries. The backing arrays are retained and
// reused in place, so clearing consumes no additional arena capacity.
func (m *Map[K, V]) Clear() {
	clear(m.meta)
	clear(m.values)
	m.size = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int { return m.size }

// Cap returns the current number of slots, always a power of two.
func (m *Map[K, V]) Cap() int { return m.capacity }

// LoadFactor returns the ratio of occupied slots to capacity.
func (m *Map[K, V]) LoadFactor() float64 {
	return float64(m.size) / float64(m.capacity)
}

// ArenaUsed returns the bytes accounted for in the backing arena,
// including abandoned ranges from past growth.
func (m *Map[K, V]) ArenaUsed() int { return m.arena.Used() }

// ArenaCap returns the fixed byte capacity of the backing arena.
func (m *Map[K, V]) ArenaCap() int { return m.arena.Cap() }

// ArenaUtilization returns ArenaUsed over ArenaCap.
func (m *Map[K, V]) ArenaUtilization() float64 {
	return float64(m.arena.Used()) / float64(m.arena.Cap())
}

// Close releases the arena backing the map. It is invalid to use the
// Map afterwards, though Close itself is idempotent.
func (m *Map[K, V]) Close() error {
	m.meta = nil
	m.values = nil
	m.capacity = 0
	m.mask = 0
	m.size = 0
	return m.arena.Close()
}

// arenaSliceAt builds a typed view of n elements over the arena range
// at offset. Views are created only at construction and growth and are
// never reinterpreted afterwards; all subsequent access goes through
// the returned slice and is bounds-checked. T must not contain
// pointers, since the collector never scans the arena.
func arenaSliceAt[T any](a *arena.Arena, offset, n int) ([]T, error) {
	var t T
	b, err := a.AllocAt(offset, n, int(unsafe.Sizeof(t)))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// typeHasPointers reports whether values of type t contain pointers the
// garbage collector would need to see (pointers stored in arena memory
// are invisible to the collector and keep nothing alive).
func typeHasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && typeHasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if typeHasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", m.capacity))
		}

		var occupied int
		for i := range m.meta {
			e := &m.meta[i]
			switch e.status {
			case slotEmpty:
			case slotOccupied:
				occupied++
				ideal := int(m.hash(e.key, m.seed)) & m.mask
				if d := (i - ideal) & m.mask; d != int(e.dist) {
					panic(fmt.Sprintf(
						"invariant failed: slot(%d): %v displaced %d from ideal %d, but dist=%d\n%s",
						i, e.key, d, ideal, e.dist, m.debugString()))
				}
				if _, ok := m.Get(e.key); !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
						i, e.key, m.debugString()))
				}
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unknown status %d", i, e.status))
			}
		}
		if occupied != m.size {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but size is %d\n%s",
				occupied, m.size, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d size=%d arena=%d/%d\n",
		m.capacity, m.size, m.arena.Used(), m.arena.Cap())
	for i := range m.meta {
		e := &m.meta[i]
		if e.status == slotEmpty {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		} else {
			fmt.Fprintf(&buf, "  %4d: %v [dist=%d ideal=%d]\n",
				i, e.key, e.dist, int(m.hash(e.key, m.seed))&m.mask)
		}
	}
	return buf.String()
}
