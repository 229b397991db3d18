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

//go:build !unix

package arena

import "unsafe"

// osReserve falls back to a heap allocation on platforms without an
// anonymous mmap. The buffer is over-allocated so the returned region
// can be trimmed to start on a cacheline boundary, which the mmap paths
// get for free from page alignment.
func osReserve(size int) ([]byte, func([]byte) error, error) {
	raw := make([]byte, size+CachelineSize-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	pad := int((CachelineSize - base%CachelineSize) % CachelineSize)
	return raw[pad : pad+size : pad+size], nil, nil
}
