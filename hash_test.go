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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	h := defaultHashFn[uint64]()
	for k := uint64(0); k < 100; k++ {
		require.Equal(t, h(k, 42), h(k, 42))
	}

	hs := defaultHashFn[string]()
	require.Equal(t, hs("hello", 1), hs("hello", 1))
	require.NotEqual(t, hs("hello", 1), hs("world", 1))
}

func TestHashSeedVariation(t *testing.T) {
	h := defaultHashFn[uint64]()
	// With 64-bit outputs a collision across seeds would be
	// astronomically unlikely for these inputs.
	differ := 0
	for k := uint64(0); k < 100; k++ {
		if h(k, 1) != h(k, 2) {
			differ++
		}
	}
	require.Greater(t, differ, 90)
}

func TestHashDistribution(t *testing.T) {
	// Sequential keys must not collide in the low bits used for slot
	// addressing.
	h := defaultHashFn[uint32]()
	const mask = 1<<16 - 1
	seen := make(map[uint64]int)
	for k := uint32(0); k < 1000; k++ {
		seen[h(k, 7)&mask]++
	}
	// Allow a handful of birthday collisions in a 16-bit space.
	require.Greater(t, len(seen), 980)
}

func TestHashStructFallback(t *testing.T) {
	type key struct {
		a int
		b string
	}
	h := defaultHashFn[key]()
	k1 := key{1, "x"}
	k2 := key{1, "x"}
	k3 := key{2, "x"}
	require.Equal(t, h(k1, 0), h(k2, 0))
	require.NotEqual(t, h(k1, 0), h(k3, 0))
}

func TestHashFloatKeys(t *testing.T) {
	h := defaultHashFn[float64]()
	require.Equal(t, h(3.14, 5), h(3.14, 5))
	require.NotEqual(t, h(3.14, 5), h(2.71, 5))
}

func TestHashFloatNegativeZero(t *testing.T) {
	// -0.0 == +0.0, so the two bit patterns must hash identically.
	h64 := defaultHashFn[float64]()
	negZero := math.Copysign(0, -1)
	require.Equal(t, h64(0, 9), h64(negZero, 9))

	h32 := defaultHashFn[float32]()
	require.Equal(t, h32(0, 9), h32(float32(negZero), 9))
}
