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

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash hashFn[K]
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a
// Map[K,V], replacing the default hasher.
func WithHash[K comparable, V any](hash func(key K, seed uint64) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

type loadFactorOption[K comparable, V any] struct {
	maxLoadFactor float64
}

func (op loadFactorOption[K, V]) apply(m *Map[K, V]) {
	m.maxLoadFactor = op.maxLoadFactor
}

// WithMaxLoadFactor is an option to specify the load factor at which
// the table grows. Must lie strictly between 0 and 1; the default is
// 0.85. Lower values trade memory for shorter probe runs.
func WithMaxLoadFactor[K comparable, V any](maxLoadFactor float64) option[K, V] {
	return loadFactorOption[K, V]{maxLoadFactor}
}

type arenaSizeOption[K comparable, V any] struct {
	bytes int
}

func (op arenaSizeOption[K, V]) apply(m *Map[K, V]) {
	m.arenaBytes = op.bytes
}

// WithArenaSize is an option to specify the byte capacity of the arena
// backing a Map[K,V] (default 1 GiB). The arena must hold the live
// arrays plus every range abandoned by past growth, so this is the hard
// ceiling on how far the table can grow over its lifetime.
func WithArenaSize[K comparable, V any](bytes int) option[K, V] {
	return arenaSizeOption[K, V]{bytes}
}
