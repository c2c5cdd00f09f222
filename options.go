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

package dhmap

// option provide an interface to do work on Map while it is being created.
type option[K, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The hash must be consistent with the map's key equality. The seed is
// chosen randomly per Map and should be mixed into the result.
func WithHash[K, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type keyEqualOption[K, V any] struct {
	equal func(a, b K) bool
}

func (op keyEqualOption[K, V]) apply(m *Map[K, V]) {
	m.keyEqual = op.equal
}

// WithKeyEqual is an option to specify how keys of a Map[K,V] are compared.
// Keys that are equal must have equal hashes.
func WithKeyEqual[K, V any](equal func(a, b K) bool) option[K, V] {
	return keyEqualOption[K, V]{equal}
}

type valueEqualOption[K, V any] struct {
	equal func(a, b V) bool
}

func (op valueEqualOption[K, V]) apply(m *Map[K, V]) {
	m.valueEqual = op.equal
}

// WithValueEqual is an option to specify how values are compared by
// Map.Equal. The default compares values with go-cmp's cmp.Equal,
// including unexported struct fields.
func WithValueEqual[K, V any](equal func(a, b V) bool) option[K, V] {
	return valueEqualOption[K, V]{equal}
}

type maxLoadFactorOption[K, V any] struct {
	maxLoadFactor float64
}

func (op maxLoadFactorOption[K, V]) apply(m *Map[K, V]) {
	m.maxLoadFactor = op.maxLoadFactor
}

// WithMaxLoadFactor is an option to specify the maximum ratio of non-empty
// slots to capacity for a Map[K,V]. It must be in (0, 1]; the default is
// 0.7. Higher values use less memory at the cost of longer probe sequences.
func WithMaxLoadFactor[K, V any](maxLoadFactor float64) option[K, V] {
	return maxLoadFactorOption[K, V]{maxLoadFactor}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Map.Close must be called in order to ensure FreeSlots is called
// for the final table.
//
// An allocator that cannot satisfy a request should panic. The Map
// allocates a new table before modifying itself, so it is left unchanged.
type Allocator[K, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
