// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package segment provides a logical byte array, backed by an ordered
// sequence of read-write mmap mappings over disjoint regions of a file,
// that can be larger than any single mapping. Callers read and write
// fixed-size "slots" at arbitrary byte offsets; a slot that straddles a
// mapping boundary is transparently split across the two (or more)
// mappings it spans.
package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Array is a read-write logical byte array spread across one or more mmap
// regions of a single file. The zero value is not usable; construct one
// with Open.
type Array struct {
	f          *os.File
	totalSize  int64
	regionSize int64 // page-aligned; every region but the last is exactly this long
	regions    [][]byte
	closed     bool
}

// Open truncates f to totalSize and maps it read-write across one or more
// segments, each at most maxSegmentSize bytes (rounded up to the nearest
// page so every mapping's offset is valid). f's length must not be relied
// upon by the caller afterward without re-stat'ing it.
func Open(f *os.File, totalSize, maxSegmentSize int64) (*Array, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("segment.Open: totalSize must be positive, got %d", totalSize)
	}
	if maxSegmentSize <= 0 {
		return nil, fmt.Errorf("segment.Open: maxSegmentSize must be positive, got %d", maxSegmentSize)
	}

	if err := f.Truncate(totalSize); err != nil {
		return nil, fmt.Errorf("segment.Open: f.Truncate(%d): %w", totalSize, err)
	}

	pageSize := int64(os.Getpagesize())
	regionSize := maxSegmentSize
	if regionSize < pageSize {
		regionSize = pageSize
	}
	// round up to the nearest page so every mapping offset (a multiple
	// of regionSize) is a multiple of the OS page size too.
	regionSize = ((regionSize + pageSize - 1) / pageSize) * pageSize

	fd := int(f.Fd())
	var regions [][]byte
	for off := int64(0); off < totalSize; off += regionSize {
		length := regionSize
		if remaining := totalSize - off; remaining < length {
			length = remaining
		}
		m, err := unix.Mmap(fd, off, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unmapAll(regions)
			return nil, fmt.Errorf("segment.Open: mmap at offset %d len %d: %w", off, length, err)
		}
		regions = append(regions, m)
	}

	return &Array{
		f:          f,
		totalSize:  totalSize,
		regionSize: regionSize,
		regions:    regions,
	}, nil
}

func unmapAll(regions [][]byte) {
	for _, r := range regions {
		_ = unix.Munmap(r)
	}
}

// ReadSlot copies len(dst) bytes starting at off into dst, splitting the
// copy across consecutive regions if the slot straddles a boundary.
func (a *Array) ReadSlot(off int64, dst []byte) error {
	return a.copySlot(off, dst, false)
}

// WriteSlot copies src into the array starting at off, splitting the copy
// across consecutive regions if the slot straddles a boundary.
func (a *Array) WriteSlot(off int64, src []byte) error {
	return a.copySlot(off, src, true)
}

func (a *Array) copySlot(off int64, buf []byte, write bool) error {
	n := len(buf)
	if off < 0 || off+int64(n) > a.totalSize {
		return fmt.Errorf("segment: slot [%d, %d) out of bounds (size %d)", off, off+int64(n), a.totalSize)
	}

	regionIdx := int(off / a.regionSize)
	pos := int(off % a.regionSize)
	copied := 0

	for copied < n {
		region := a.regions[regionIdx]
		remaining := len(region) - pos
		want := n - copied
		if want > remaining {
			want = remaining
		}

		if write {
			copy(region[pos:pos+want], buf[copied:copied+want])
		} else {
			copy(buf[copied:copied+want], region[pos:pos+want])
		}

		copied += want
		pos = 0
		regionIdx++
	}

	return nil
}

// Close flushes every mapping to disk and unmaps it. The underlying file
// is left open; the caller is responsible for closing it. Close must
// happen before the file is reopened as a plain stream elsewhere, since
// the OS will not release these mappings on its own.
func (a *Array) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	for _, r := range a.regions {
		if err := unix.Msync(r, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("segment.Close: msync: %w", err)
		}
	}
	for _, r := range a.regions {
		if err := unix.Munmap(r); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("segment.Close: munmap: %w", err)
		}
	}
	return firstErr
}
