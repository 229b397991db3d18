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

// Package arena provides a fixed-capacity bump allocator backed by a
// single contiguous region of virtual memory. The region is reserved up
// front (on Linux a huge-page-backed mapping is attempted first) and
// handed out as cacheline-aligned, non-overlapping sub-ranges. Ranges
// are never reclaimed individually: callers that replace a range (for
// example a hash table resizing its backing arrays) simply abandon the
// old one. This trades bounded total lifetime capacity for zero
// fragmentation bookkeeping. An arena that is asked for more memory
// than it holds fails hard with ErrArenaFull rather than growing.
package arena

import (
	"errors"
	"fmt"
)

// CachelineSize is the alignment applied to every allocation. Both the
// metadata and value arrays of a table start on a cacheline boundary so
// that probe runs do not straddle lines unnecessarily.
const CachelineSize = 64

var (
	// ErrMapFailed is returned when the backing region cannot be mapped.
	ErrMapFailed = errors.New("arena: cannot map backing region")
	// ErrArenaFull is returned when an allocation would exceed the
	// arena's fixed capacity.
	ErrArenaFull = errors.New("arena: out of capacity")
	// ErrOutOfBounds is returned for malformed range requests: negative
	// offsets, negative counts, or sizes that overflow.
	ErrOutOfBounds = errors.New("arena: view out of bounds")
)

// Arena owns one contiguous region of memory. used grows monotonically;
// nothing is ever handed back until Close unmaps the whole region.
//
// An Arena is not goroutine-safe.
type Arena struct {
	buf   []byte
	used  int
	unmap func([]byte) error
}

// New reserves a region of capacityBytes. On Linux the reservation
// first attempts a huge-page-backed anonymous mapping and falls back to
// a standard one; if no mapping can be established New fails with an
// error wrapping ErrMapFailed.
func New(capacityBytes int) (*Arena, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("%w: non-positive capacity %d", ErrMapFailed, capacityBytes)
	}
	buf, unmap, err := osReserve(capacityBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	return &Arena{buf: buf, unmap: unmap}, nil
}

// AlignCacheline rounds n up to the next multiple of CachelineSize.
func AlignCacheline(n int) int {
	return (n + CachelineSize - 1) &^ (CachelineSize - 1)
}

// Alloc hands out the next count*elemSize bytes, rounded up to the
// cacheline boundary, and advances the usage counter. It returns the
// view and its offset within the region. Requests that would exceed the
// arena's capacity fail with ErrArenaFull and leave the arena
// unchanged.
func (a *Arena) Alloc(count, elemSize int) ([]byte, int, error) {
	bytes, err := rangeSize(count, elemSize)
	if err != nil {
		return nil, 0, err
	}
	aligned := AlignCacheline(bytes)
	if a.used+aligned > len(a.buf) {
		return nil, 0, fmt.Errorf("%w: need %d bytes, %d of %d used",
			ErrArenaFull, aligned, a.used, len(a.buf))
	}
	offset := a.used
	a.used += aligned
	return a.buf[offset : offset+bytes : offset+bytes], offset, nil
}

// AllocAt returns a fixed view of count*elemSize bytes starting at
// offset without advancing the usage counter. It is used when the
// caller has pre-computed layout offsets; the caller is responsible for
// bump-tracking usage (via Alloc) so that the counter stays accurate.
// A negative offset fails with ErrOutOfBounds; a view extending past
// the region's end reports the arena exhausted with ErrArenaFull, which
// is how callers placing ranges at pre-computed offsets run out of
// capacity.
func (a *Arena) AllocAt(offset, count, elemSize int) ([]byte, error) {
	bytes, err := rangeSize(count, elemSize)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, offset)
	}
	if offset+bytes > len(a.buf) {
		return nil, fmt.Errorf("%w: view [%d,%d) exceeds capacity %d",
			ErrArenaFull, offset, offset+bytes, len(a.buf))
	}
	return a.buf[offset : offset+bytes : offset+bytes], nil
}

// Used returns the number of bytes accounted for so far, including
// alignment padding and abandoned ranges.
func (a *Arena) Used() int { return a.used }

// Cap returns the fixed capacity of the region in bytes.
func (a *Arena) Cap() int { return len(a.buf) }

// Close releases the backing region. All views handed out by the arena
// become invalid. Close is idempotent.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	buf := a.buf
	a.buf = nil
	a.used = 0
	if a.unmap != nil {
		return a.unmap(buf)
	}
	return nil
}

func rangeSize(count, elemSize int) (int, error) {
	if count < 0 || elemSize <= 0 {
		return 0, fmt.Errorf("%w: count=%d elemSize=%d", ErrOutOfBounds, count, elemSize)
	}
	bytes := count * elemSize
	if count != 0 && bytes/count != elemSize {
		return 0, fmt.Errorf("%w: count=%d elemSize=%d overflows", ErrOutOfBounds, count, elemSize)
	}
	return bytes, nil
}
