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

import (
	"hash/maphash"
	"reflect"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// hashFn maps a key to a well-distributed 64-bit value. The seed is
// chosen per map so that probe patterns differ between instances.
type hashFn[K comparable] func(key K, seed uint64) uint64

// defaultHashFn picks a hasher for K once, at construction time.
// Integer and float keys hash their raw bytes with xxh3, strings hash
// their contents, and any other comparable type falls back to the
// runtime's generic hasher via maphash.Comparable.
func defaultHashFn[K comparable]() hashFn[K] {
	t := reflect.TypeFor[K]()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr:
		size := t.Size()
		return func(key K, seed uint64) uint64 {
			b := unsafe.Slice((*byte)(unsafe.Pointer(&key)), size)
			return xxh3.HashSeed(b, seed)
		}
	// Negative zero equals positive zero but has a different bit
	// pattern; equal keys must hash equally, so floats normalize -0
	// before hashing the bits.
	case reflect.Float32:
		return func(key K, seed uint64) uint64 {
			bits := *(*uint32)(unsafe.Pointer(&key))
			if bits == 1<<31 {
				bits = 0
			}
			b := unsafe.Slice((*byte)(unsafe.Pointer(&bits)), 4)
			return xxh3.HashSeed(b, seed)
		}
	case reflect.Float64:
		return func(key K, seed uint64) uint64 {
			bits := *(*uint64)(unsafe.Pointer(&key))
			if bits == 1<<63 {
				bits = 0
			}
			b := unsafe.Slice((*byte)(unsafe.Pointer(&bits)), 8)
			return xxh3.HashSeed(b, seed)
		}
	case reflect.String:
		return func(key K, seed uint64) uint64 {
			return xxh3.HashStringSeed(*(*string)(unsafe.Pointer(&key)), seed)
		}
	default:
		// maphash carries its own randomized seed, so the per-map seed
		// is unused on this path.
		mseed := maphash.MakeSeed()
		return func(key K, _ uint64) uint64 {
			return maphash.Comparable(mseed, key)
		}
	}
}
