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

// package dhmap is a Go implementation of an open-addressing hash table
// using double hashing. See https://en.wikipedia.org/wiki/Double_hashing.
//
// # Layout
//
// A Map is a single flat array of N slots where N is a power of 2 (at
// least 8). Every slot carries an explicit status: empty, tombstone, or
// occupied. There are no reserved hash values; any hash produced by the
// hash function is legitimate.
//
// # Probing
//
// For a key with hash h and a table of N slots, the probe sequence is
//
//	p(t) := h + t*(2*(h/N)+1)  (mod N)   for t = 0, 1, ..., N-1
//
// The step 2*(h/N)+1 is always odd and therefore coprime with N, so the
// sequence visits every slot exactly once. Because N is a power of 2 the
// mod is a mask and the divide is a shift. Two keys that collide on
// their starting slot usually diverge on the next probe since their
// steps are drawn from different bits of the hash, which avoids the
// primary clustering of linear probing.
//
// # Deletion
//
// Deletion leaves a tombstone behind. A tombstone is skipped by lookups
// (another key's probe sequence may pass through it) and may be reused
// by a later insertion. Tombstones count against the load factor, so a
// table that accumulates deletes is eventually rebuilt, which discards
// them. A rebuild doubles the capacity unless at least a third of the
// table is tombstones, in which case it keeps the capacity. Capacity
// never shrinks.
//
// # Insertion
//
// Insertion never overwrites: inserting a key that is already present is
// a no-op and the stored value is kept. The insertion probe keeps
// walking past tombstones until it either finds the key or reaches an
// empty slot, and only then writes into the first reusable slot it saw.
// Stopping at the first tombstone would allow the same key to be stored
// twice.
package dhmap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"
)

const (
	debug = false

	// minCapacity is the capacity of a new Map. All capacities are powers
	// of 2.
	minCapacity = 8

	defaultMaxLoadFactor = 0.7
)

type slotStatus uint8

const (
	slotEmpty slotStatus = iota
	slotTombstone
	slotOccupied
)

func (s slotStatus) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotTombstone:
		return "tombstone"
	case slotOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("slotStatus(%d)", uint8(s))
	}
}

// Slot holds a key and value along with the status of the slot. The zero
// Slot is empty.
type Slot[K, V any] struct {
	status slotStatus
	key    K
	value  V
}

// Key returns the key stored in the slot.
func (s *Slot[K, V]) Key() K {
	return s.key
}

// Value returns the value stored in the slot.
func (s *Slot[K, V]) Value() V {
	return s.value
}

// ValuePtr returns a pointer to the value stored in the slot. The pointer
// is subject to the same lifetime rules as the slot itself: see Map.Find.
func (s *Slot[K, V]) ValuePtr() *V {
	return &s.value
}

// Map is an unordered map from keys to values with Insert, Find, Erase, and
// All operations. Collisions are resolved by open addressing with double
// hashing. By default a Map[K,V] hashes keys with hash/maphash and
// compares them with ==, though a different hash function and key
// equality can be specified using the WithHash and WithKeyEqual options,
// or by constructing the map with NewFunc.
//
// A Map is NOT goroutine-safe. Callers must not invoke a mutating method
// concurrently with any other method on the same Map.
//
// Pointers returned by Find, Slot.ValuePtr and GetOrInsert point into the
// Map's slot array. They are invalidated by the next Insert or
// GetOrInsert that rebuilds the table, after which they must not be
// dereferenced.
type Map[K, V any] struct {
	// The hash function for keys of type K.
	hash hashFn[K]
	seed uintptr
	// keyEqual reports whether two keys are the same key.
	keyEqual func(a, b K) bool
	// valueEqual reports whether two values are equal. Used by Equal.
	valueEqual func(a, b V) bool
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	// maxLoadFactor is the ratio of non-empty slots (occupied or
	// tombstone) to capacity that may not be exceeded.
	maxLoadFactor float64
	// slots is capacity in length. The capacity is always a power of 2.
	slots []Slot[K, V]
	// shift is log2(len(slots)) and is used to compute h/capacity.
	shift uint
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
	// The number of empty slots we can still fill without needing to
	// rehash.
	//
	// This is stored separately from used due to tombstones: tombstones
	// consume growth capacity because we'd like to rehash when the table
	// is filled with tombstones, as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft int
}

// New constructs a new Map with a capacity of 8. Keys are hashed with the
// same hash as hash/maphash.Comparable and compared with ==. Values are
// compared by Equal using go-cmp, unless WithValueEqual is supplied.
func New[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	return newMap(defaultHash[K](), func(a, b K) bool { return a == b }, options)
}

// NewFunc constructs a new Map with a capacity of 8 using the supplied
// hash and key equality functions. It is intended for key types that are
// not comparable, or whose notion of equality differs from ==. The hash
// must be consistent with keyEqual: equal keys must hash identically for
// the same seed.
func NewFunc[K, V any](
	hash func(key *K, seed uintptr) uintptr, keyEqual func(a, b K) bool, options ...option[K, V],
) *Map[K, V] {
	return newMap(hash, keyEqual, options)
}

func newMap[K, V any](hash hashFn[K], keyEqual func(a, b K) bool, options []option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          hash,
		seed:          uintptr(rand.Uint64()),
		keyEqual:      keyEqual,
		valueEqual:    defaultValueEqual[V],
		allocator:     defaultAllocator[K, V]{},
		maxLoadFactor: defaultMaxLoadFactor,
	}

	for _, op := range options {
		op.apply(m)
	}

	if m.hash == nil {
		panic("dhmap: nil hash function")
	}
	if m.keyEqual == nil {
		panic("dhmap: nil key equality function")
	}
	if m.valueEqual == nil {
		panic("dhmap: nil value equality function")
	}
	if m.allocator == nil {
		panic("dhmap: nil allocator")
	}
	if !(m.maxLoadFactor > 0 && m.maxLoadFactor <= 1) {
		panic(fmt.Sprintf("dhmap: max load factor %v not in (0, 1]", m.maxLoadFactor))
	}

	m.resize(minCapacity)
	return m
}

// Close closes the map, releasing its memory back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.used = 0
	m.growthLeft = 0
	m.allocator = nil
}

// Insert inserts an entry into the map. If an entry with an equal key is
// already present the map is left unchanged and the existing value is
// kept.
//
// Insert may rebuild the table, invalidating any pointer previously
// returned by Find, Slot.ValuePtr or GetOrInsert.
func (m *Map[K, V]) Insert(key K, value V) {
	m.insert(key, value)
}

// insert implements Insert and GetOrInsert, returning the slot holding
// key after the operation.
func (m *Map[K, V]) insert(key K, value V) *Slot[K, V] {
	h := m.hash(&key, m.seed)
	for {
		slot, found := m.probe(h, key)
		if found {
			if debug {
				fmt.Printf("insert(duplicate): key=%v\n", key)
			}
			m.checkInvariants()
			return slot
		}

		// A tombstone can be reused without consuming growth capacity: it
		// was already counted against the load factor when it was filled.
		// An empty slot (or no slot at all, which can only happen when the
		// table has no empty slots left) needs growth capacity.
		if slot == nil || (slot.status == slotEmpty && m.growthLeft == 0) {
			m.rehash()
			continue
		}

		if slot.status == slotEmpty {
			m.growthLeft--
		}
		if debug {
			fmt.Printf("insert(storing): key=%v status=%s\n", key, slot.status)
		}
		*slot = Slot[K, V]{status: slotOccupied, key: key, value: value}
		m.used++
		m.checkInvariants()
		return slot
	}
}

// probe walks the probe sequence for key, whose hash is h. If key is
// present it returns its slot and true. Otherwise it returns the first
// empty or tombstone slot encountered, or nil if every slot in the table
// is occupied, and false.
//
// The walk does not stop at tombstones: an entry for key may lie further
// along the sequence.
func (m *Map[K, V]) probe(h uintptr, key K) (*Slot[K, V], bool) {
	var insertAt *Slot[K, V]
	seq := makeProbeSeq(h, m.shift)
	if debug {
		fmt.Printf("probe(%v): %s\n", key, seq)
	}

	for ; seq.index < uintptr(len(m.slots)); seq = seq.next() {
		slot := &m.slots[seq.offset]
		switch slot.status {
		case slotEmpty:
			if insertAt == nil {
				insertAt = slot
			}
			if debug {
				fmt.Printf("probe(not-found): offset=%d\n", seq.offset)
			}
			return insertAt, false
		case slotTombstone:
			if insertAt == nil {
				insertAt = slot
			}
		case slotOccupied:
			if m.keyEqual(key, slot.key) {
				if debug {
					fmt.Printf("probe(found): offset=%d\n", seq.offset)
				}
				return slot, true
			}
		}
	}
	return insertAt, false
}

// Find returns the slot holding key, or nil if key is not present.
//
// The returned slot is only valid until the next call to Insert or
// GetOrInsert that rebuilds the table, and it no longer holds key once key
// is erased.
func (m *Map[K, V]) Find(key K) *Slot[K, V] {
	h := m.hash(&key, m.seed)

	// The probe is bounded by the capacity of the table rather than by the
	// number of live entries: when tombstones outnumber live entries, a
	// present key may be further along its sequence than Len() steps.
	seq := makeProbeSeq(h, m.shift)
	for ; seq.index < uintptr(len(m.slots)); seq = seq.next() {
		slot := &m.slots[seq.offset]
		switch slot.status {
		case slotEmpty:
			// An empty slot proves that key was never inserted along this
			// sequence.
			return nil
		case slotOccupied:
			if m.keyEqual(key, slot.key) {
				return slot
			}
		}
	}
	return nil
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if slot := m.Find(key); slot != nil {
		return slot.value, true
	}
	return value, false
}

// At returns the value for the specified key, or the zero value of V if
// the key is not present.
func (m *Map[K, V]) At(key K) V {
	v, _ := m.Get(key)
	return v
}

// GetOrInsert returns a pointer to the value for the specified key,
// inserting the zero value of V first if the key is not present. The
// pointer may be used to update the value in place. It is invalidated by
// the next Insert or GetOrInsert that rebuilds the table.
func (m *Map[K, V]) GetOrInsert(key K) *V {
	if slot := m.Find(key); slot != nil {
		return &slot.value
	}
	var zero V
	return &m.insert(key, zero).value
}

// Erase removes the entry corresponding to the specified key from the map.
// It is a noop to erase a non-existent key.
func (m *Map[K, V]) Erase(key K) {
	slot := m.Find(key)
	if slot == nil {
		return
	}
	if debug {
		fmt.Printf("erase: key=%v\n", key)
	}
	// Clear the key and value so that anything they reference can be
	// collected. The tombstone itself still counts against growthLeft.
	*slot = Slot[K, V]{status: slotTombstone}
	m.used--
	m.checkInvariants()
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is retained.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.used = 0
	m.growthLeft = m.maxGrowth(len(m.slots))
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, All stops the iteration. The map can be mutated
// during iteration, though there is no guarantee that the mutations will
// be visible to the iteration. The iteration order is unspecified.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the slots so that a rebuild during iteration does not cause
	// entries to be seen twice or skipped.
	slots := m.slots
	for i := range slots {
		slot := &slots[i]
		if slot.status != slotOccupied {
			continue
		}
		if !yield(slot.key, slot.value) {
			return
		}
	}
}

// Equal reports whether m and o contain the same keys, and whether the
// values associated with each key are equal according to m's value
// equality function.
//
// Keys of m are looked up in o using o's hash and key equality, so both
// maps must use the same hash and key equality for the result to be
// meaningful.
func (m *Map[K, V]) Equal(o *Map[K, V]) bool {
	if m.used != o.used {
		return false
	}
	equal := true
	m.All(func(k K, v V) bool {
		slot := o.Find(k)
		equal = slot != nil && m.valueEqual(v, slot.value)
		return equal
	})
	return equal
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of slots in the map's table. It is always a
// power of 2.
func (m *Map[K, V]) Capacity() int {
	return len(m.slots)
}

// maxGrowth returns the number of non-empty slots permitted in a table of
// the specified capacity.
func (m *Map[K, V]) maxGrowth(capacity int) int {
	return int(float64(capacity) * m.maxLoadFactor)
}

// rehash rebuilds the table once growthLeft is exhausted. If at least a
// third of the table is tombstones we can reclaim enough space by
// rebuilding at the current capacity. Otherwise the capacity is doubled.
func (m *Map[K, V]) rehash() {
	capacity := len(m.slots)
	tombstones := m.maxGrowth(capacity) - m.used - m.growthLeft
	if tombstones >= capacity/3 && m.maxGrowth(capacity) > m.used {
		m.resize(capacity)
	} else {
		m.resize(2 * capacity)
	}
}

// resize allocates a table of newCapacity slots and reinserts every
// occupied slot of the current table into it. Tombstones are dropped. The
// old table is released to the allocator.
//
// The new table is allocated before the map is modified, so a panic from
// the allocator leaves the map as it was.
func (m *Map[K, V]) resize(newCapacity int) {
	newSlots := m.allocator.AllocSlots(newCapacity)
	if len(newSlots) != newCapacity {
		panic(fmt.Sprintf("dhmap: allocator returned %d slots, expected %d", len(newSlots), newCapacity))
	}
	// Allocators are not required to return zeroed memory.
	clear(newSlots)

	oldSlots := m.slots
	m.slots = newSlots
	m.shift = uint(bits.TrailingZeros(uint(newCapacity)))
	m.growthLeft = m.maxGrowth(newCapacity) - m.used

	if debug {
		fmt.Printf("resize: capacity=%d->%d  growth-left=%d\n",
			len(oldSlots), newCapacity, m.growthLeft)
	}

	for i := range oldSlots {
		slot := &oldSlots[i]
		if slot.status != slotOccupied {
			continue
		}
		m.uncheckedPut(m.hash(&slot.key, m.seed), slot.key, slot.value)
	}

	if oldSlots != nil {
		m.allocator.FreeSlots(oldSlots)
	}

	m.checkInvariants()
}

// uncheckedPut inserts an entry known not to be in the table into the
// first empty slot of its probe sequence. Used by resize, where the table
// contains no tombstones and is guaranteed to have an empty slot.
func (m *Map[K, V]) uncheckedPut(h uintptr, key K, value V) {
	for seq := makeProbeSeq(h, m.shift); ; seq = seq.next() {
		slot := &m.slots[seq.offset]
		if slot.status == slotEmpty {
			*slot = Slot[K, V]{status: slotOccupied, key: key, value: value}
			return
		}
	}
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		capacity := len(m.slots)
		if capacity < minCapacity || capacity&(capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of 2 >= %d\n%s",
				capacity, minCapacity, m))
		}
		if 1<<m.shift != capacity {
			panic(fmt.Sprintf("invariant failed: shift %d does not match capacity %d\n%s",
				m.shift, capacity, m))
		}

		// For every occupied slot, verify we can retrieve the key using Find.
		// Count the number of used and tombstone slots.
		var used, tombstones int
		for i := range m.slots {
			s := &m.slots[i]
			switch s.status {
			case slotTombstone:
				tombstones++
			case slotOccupied:
				if m.Find(s.key) != s {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s", i, s.key, m))
				}
				used++
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m))
		}

		growthLeft := m.maxGrowth(capacity) - m.used - tombstones
		if growthLeft != m.growthLeft {
			panic(fmt.Sprintf("invariant failed: found %d growthLeft, but expected %d\n%s",
				m.growthLeft, growthLeft, m))
		}
	}
}

// String returns a dump of the map's internal state for debugging.
func (m *Map[K, V]) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  growth-left=%d\n", len(m.slots), m.used, m.growthLeft)
	for i := range m.slots {
		switch s := &m.slots[i]; s.status {
		case slotOccupied:
			h := m.hash(&s.key, m.seed)
			seq := makeProbeSeq(h, m.shift)
			fmt.Fprintf(&buf, "  %4d: %v [offset=%d step=%d]\n", i, s.key, seq.offset, seq.step)
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s.status)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence is of the
// form
//
//	p(i) := hash + i*step (mod mask+1)
//	step := 2*(hash >> shift) + 1
//
// where mask+1 == 1<<shift is the capacity of the table. The step is odd
// and the capacity is a power of 2, so step is invertible mod mask+1 and
// the first mask+1 offsets visit every slot exactly once.
type probeSeq struct {
	mask   uintptr
	offset uintptr
	step   uintptr
	index  uintptr
}

func makeProbeSeq(hash uintptr, shift uint) probeSeq {
	mask := uintptr(1)<<shift - 1
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		step:   2*(hash>>shift) + 1,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.offset + s.step) & s.mask
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d step=%d index=%d", s.mask, s.offset, s.step, s.index)
}
