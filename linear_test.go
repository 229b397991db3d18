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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearBasic(t *testing.T) {
	m := NewLinear[uint64, uint64](0)
	const count = 100

	require.Equal(t, 0, m.Len())
	for i := uint64(0); i < count; i++ {
		_, ok := m.Get(i)
		require.False(t, ok)
		require.False(t, m.Delete(i))
	}

	for i := uint64(0); i < count; i++ {
		require.True(t, m.Put(i, i+count))
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i+count, v)
		require.EqualValues(t, i+1, m.Len())
	}

	for i := uint64(0); i < count; i++ {
		require.False(t, m.Put(i, i+2*count))
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i+2*count, v)
	}
	require.EqualValues(t, count, m.Len())

	for i := uint64(0); i < count; i++ {
		require.True(t, m.Delete(i))
		_, ok := m.Get(i)
		require.False(t, ok)
	}
	require.Equal(t, 0, m.Len())
}

func TestLinearTombstoneReuse(t *testing.T) {
	m := NewLinear[uint64, uint64](16)
	cap0 := m.Cap()

	// Churning the same small key set inserts into tombstoned slots
	// instead of growing the table.
	for round := 0; round < 100; round++ {
		for k := uint64(0); k < 8; k++ {
			require.True(t, m.Put(k, k))
		}
		for k := uint64(0); k < 8; k++ {
			require.True(t, m.Delete(k))
		}
	}
	require.Equal(t, 0, m.Len())
	require.LessOrEqual(t, m.Cap(), 4*cap0)
}

func TestLinearGrowth(t *testing.T) {
	m := NewLinear[uint32, int](16)
	const count = 1000
	for i := uint32(0); i < count; i++ {
		require.True(t, m.Put(i, int(i)*3))
	}
	require.Equal(t, count, m.Len())
	require.Equal(t, 0, m.Cap()&(m.Cap()-1))
	for i := uint32(0); i < count; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, int(i)*3, v)
	}
}

func TestLinearClear(t *testing.T) {
	m := NewLinear[uint64, string](0)
	for i := uint64(0); i < 50; i++ {
		m.Put(i, "x")
	}
	m.Clear()
	require.Equal(t, 0, m.Len())
	for i := uint64(0); i < 50; i++ {
		_, ok := m.Get(i)
		require.False(t, ok)
	}
	require.True(t, m.Put(7, "y"))
	v, ok := m.Get(7)
	require.True(t, ok)
	require.Equal(t, "y", v)
}

func TestLinearRandomVsReference(t *testing.T) {
	m := NewLinear[uint64, uint64](0)
	rng := rand.New(rand.NewPCG(7, 11))
	e := make(map[uint64]uint64)

	for i := 0; i < 10000; i++ {
		k := rng.Uint64N(2048)
		switch rng.Uint64N(3) {
		case 0:
			v := rng.Uint64()
			_, present := e[k]
			require.Equal(t, !present, m.Put(k, v))
			e[k] = v
		case 1:
			v, ok := m.Get(k)
			ev, eok := e[k]
			require.Equal(t, eok, ok)
			if ok {
				require.Equal(t, ev, v)
			}
		case 2:
			_, present := e[k]
			require.Equal(t, present, m.Delete(k))
			delete(e, k)
		}
		require.Equal(t, len(e), m.Len())
	}
}
