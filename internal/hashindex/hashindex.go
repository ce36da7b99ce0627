// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package hashindex builds the per-key-length open-addressing hash table
// that backs one store's index region. It reads back the key/offset
// records a tempstream.Manager recorded for a single key length and
// places each into a slot of a freshly mmap'd index file, probing
// linearly on collision.
package hashindex

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"github.com/spaolacci/murmur3"

	"github.com/pal-db/paldb/internal/bloom"
	"github.com/pal-db/paldb/internal/segment"
	"github.com/pal-db/paldb/internal/varint"
	"github.com/pal-db/paldb/internal/zero"
)

// hashSeed is fixed by the on-disk format; a reader must hash keys with
// the same seed to find the slot a builder placed them in.
const hashSeed = 0

// DefaultMMapSegmentSize is used by callers that don't need to tune the
// mapping stride (production builds read this from Config instead).
const DefaultMMapSegmentSize = 1 << 30

// DuplicateKeyError is returned by Build when two records for the same
// key length carry bytewise-equal keys.
type DuplicateKeyError struct {
	Key []byte
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("hashindex: duplicate key %q", e.Key)
}

// Result summarizes one key length's built index file.
type Result struct {
	KeyLength  int
	KeyCount   uint64
	NumSlots   uint64
	SlotSize   int
	Path       string
	Collisions uint64
}

// Build reads keyCount (key, packed-offset) records of keyLength bytes
// each from the temp index file at indexTempPath, and writes a new index
// file at indexPath sized for loadFactor, mapped in mmapSegmentSize-bounded
// regions. If filter is non-nil, every key is also inserted into it.
// Build does not modify or remove indexTempPath; the caller owns its
// lifecycle.
func Build(indexTempPath, indexPath string, keyLength int, keyCount uint64, maxOffsetLength int, loadFactor float64, filter *bloom.Filter, mmapSegmentSize int64) (Result, error) {
	if keyCount == 0 {
		return Result{}, fmt.Errorf("hashindex.Build: keyCount must be > 0")
	}

	numSlots := uint64(math.Round(float64(keyCount) / loadFactor))
	if numSlots == 0 {
		numSlots = 1
	}
	slotSize := keyLength + maxOffsetLength
	fileSize := int64(numSlots) * int64(slotSize)

	out, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("hashindex.Build: creating %s: %w", indexPath, err)
	}
	defer out.Close()

	arr, err := segment.Open(out, fileSize, mmapSegmentSize)
	if err != nil {
		return Result{}, fmt.Errorf("hashindex.Build: mapping %s: %w", indexPath, err)
	}

	in, err := os.Open(indexTempPath)
	if err != nil {
		_ = arr.Close()
		return Result{}, fmt.Errorf("hashindex.Build: opening %s: %w", indexTempPath, err)
	}
	defer in.Close()
	r := bufio.NewReaderSize(in, 64*1024)

	b := &placer{
		arr:       arr,
		keyLength: keyLength,
		slotSize:  slotSize,
		numSlots:  numSlots,
		filter:    filter,
	}

	keyBuf := make([]byte, keyLength)
	var collisions uint64
	for i := uint64(0); i < keyCount; i++ {
		if err := readFull(r, keyBuf); err != nil {
			_ = arr.Close()
			return Result{}, fmt.Errorf("hashindex.Build: reading key %d: %w", i, err)
		}
		offset, err := varint.UnpackLong(r)
		if err != nil {
			_ = arr.Close()
			return Result{}, fmt.Errorf("hashindex.Build: reading offset for key %d: %w", i, err)
		}

		collided, err := b.place(keyBuf, offset)
		if err != nil {
			_ = arr.Close()
			return Result{}, err
		}
		if collided {
			collisions++
		}
	}

	if err := arr.Close(); err != nil {
		return Result{}, fmt.Errorf("hashindex.Build: unmapping %s: %w", indexPath, err)
	}

	return Result{
		KeyLength:  keyLength,
		KeyCount:   keyCount,
		NumSlots:   numSlots,
		SlotSize:   slotSize,
		Path:       indexPath,
		Collisions: collisions,
	}, nil
}

// placer holds the per-build state needed to probe and write slots.
type placer struct {
	arr       *segment.Array
	keyLength int
	slotSize  int
	numSlots  uint64
	filter    *bloom.Filter
}

// place probes for an empty slot for key starting at its hash bucket,
// writing key and offset once found. It reports whether the key
// required probing past its first candidate slot (a collision), and
// returns a *DuplicateKeyError if an equal key already occupies a
// probed slot.
func (p *placer) place(key []byte, offset uint64) (bool, error) {
	if p.filter != nil {
		p.filter.Add(key)
	}

	hash := Hash(key)
	slotBuf := make([]byte, p.slotSize)
	offsetBuf := make([]byte, varint.MaxLongLen)

	for probe := uint64(0); probe < p.numSlots; probe++ {
		slot := (hash + probe) % p.numSlots
		slotOff := int64(slot) * int64(p.slotSize)

		if err := p.arr.ReadSlot(slotOff, slotBuf); err != nil {
			return false, fmt.Errorf("hashindex: reading slot %d: %w", slot, err)
		}

		found, _, err := varint.UnpackLongAt(slotBuf, p.keyLength)
		if err != nil {
			return false, fmt.Errorf("hashindex: decoding slot %d offset field: %w", slot, err)
		}

		if found == 0 {
			copy(slotBuf[:p.keyLength], key)
			n := varint.EncodeLong(offsetBuf, offset)
			copy(slotBuf[p.keyLength:p.keyLength+n], offsetBuf[:n])
			zero.Bytes(slotBuf[p.keyLength+n : p.slotSize])
			if err := p.arr.WriteSlot(slotOff, slotBuf); err != nil {
				return false, fmt.Errorf("hashindex: writing slot %d: %w", slot, err)
			}
			return probe > 0, nil
		}

		if string(slotBuf[:p.keyLength]) == string(key) {
			dup := make([]byte, p.keyLength)
			copy(dup, key)
			return false, &DuplicateKeyError{Key: dup}
		}
	}

	return false, fmt.Errorf("hashindex: exhausted %d slots without placing key (capacity bug)", p.numSlots)
}

// Hash returns the key hash used for bucket placement and probing. Any
// reader that looks up keys in an index built by this package must hash
// identically.
func Hash(key []byte) uint64 {
	h, _ := murmur3.Sum128WithSeed(key, hashSeed)
	return h
}

func readFull(r *bufio.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return err
		}
	}
	return nil
}
