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

package arena

import "golang.org/x/sys/unix"

// osReserve maps an anonymous region, preferring huge pages. Huge-page
// mappings fail unless the system has hugetlb pages configured, so a
// standard mapping is the common fallback.
func osReserve(size int) ([]byte, func([]byte) error, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE

	data, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		data, err = unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, nil, err
		}
	}

	// Probe sequences jump around the region; tell the kernel not to
	// read ahead. The hint is advisory, so a failure is ignored.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	return data, unix.Munmap, nil
}
