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

import (
	"hash/maphash"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
)

type hashFn[K any] func(key *K, seed uintptr) uintptr

// processSeed is shared by every Map in the process. Each Map additionally
// mixes in its own seed.
var processSeed = maphash.MakeSeed()

// defaultHash returns a hash function for comparable keys that is
// consistent with ==.
func defaultHash[K comparable]() hashFn[K] {
	return func(key *K, seed uintptr) uintptr {
		return uintptr(mix(maphash.Comparable(processSeed, *key), uint64(seed)))
	}
}

// StringHash hashes string keys with xxhash. It can be supplied to a
// Map[string,V] using WithHash and is usually faster than the default for
// long keys.
func StringHash(key *string, seed uintptr) uintptr {
	return uintptr(mix(xxhash.Sum64String(*key), uint64(seed)))
}

// BytesHash hashes []byte keys with xxhash. []byte is not comparable, so it
// is intended for use with NewFunc together with bytes.Equal.
func BytesHash(key *[]byte, seed uintptr) uintptr {
	return uintptr(mix(xxhash.Sum64(*key), uint64(seed)))
}

// mix combines a hash with a seed. The multiply spreads the seed over the
// high bits, which the probe sequence uses to derive its step.
func mix(h, seed uint64) uint64 {
	return h ^ (seed * 0x9e3779b97f4a7c15)
}

// exportAll lets cmp.Equal descend into unexported struct fields.
var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

func defaultValueEqual[V any](a, b V) bool {
	return cmp.Equal(a, b, exportAll)
}
