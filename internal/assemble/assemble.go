// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package assemble writes the metadata header describing a built store
// and concatenates it with the built index and data files into the
// caller's output sink. See the package doc for paldb.Builder for how
// this fits into the overall build pipeline.
package assemble

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// FormatVersion identifies the on-disk layout written by Metadata. A
// reader must reject any version it does not recognize.
const FormatVersion = "PALDB/1"

// DiskSpaceThreshold is the fraction of usable free space a build may
// consume before the pre-merge check aborts it.
const DiskSpaceThreshold = 0.66

// KeyLengthEntry describes one key length's built index and data
// regions, in the units Metadata needs to emit a directory entry.
type KeyLengthEntry struct {
	KeyLength  int
	KeyCount   uint64
	NumSlots   uint64
	SlotSize   int
	IndexPath  string
	DataPath   string
	DataLength uint64
}

// BloomInfo carries the fields of an embedded Bloom filter; a nil
// pointer means no filter is embedded.
type BloomInfo struct {
	BitSize       uint64
	Words         []uint64
	HashFunctions int
}

// Metadata writes the fixed-layout header described by the on-disk
// format to w: format version, build timestamp, total key count,
// optional Bloom filter, and one directory entry per key length sorted
// ascending by length. It returns the total index region length and
// data region length so the caller can place the index/data files that
// follow.
func Metadata(w io.Writer, entries []KeyLengthEntry, bloom *BloomInfo, totalKeyCount uint64, buildTimeMillis int64) (indexTotalLength, dataTotalLength uint64, err error) {
	sorted := make([]KeyLengthEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].KeyLength < sorted[j].KeyLength })

	bw := newByteWriter(w)

	bw.writeString16(FormatVersion)
	bw.writeInt64(buildTimeMillis)
	bw.writeUint64(totalKeyCount)

	if bloom != nil {
		bw.writeUint32(uint32(bloom.BitSize))
		bw.writeUint32(uint32(len(bloom.Words)))
		bw.writeUint32(uint32(bloom.HashFunctions))
		for _, word := range bloom.Words {
			bw.writeUint64(word)
		}
	} else {
		bw.writeUint32(0)
		bw.writeUint32(0)
		bw.writeUint32(0)
	}

	maxKeyLength := 0
	for _, e := range sorted {
		if e.KeyLength > maxKeyLength {
			maxKeyLength = e.KeyLength
		}
	}
	bw.writeUint32(uint32(len(sorted)))
	bw.writeUint32(uint32(maxKeyLength))

	var indexesLength, datasLength uint64
	for _, e := range sorted {
		bw.writeUint32(uint32(e.KeyLength))
		bw.writeUint64(e.KeyCount)
		bw.writeUint64(e.NumSlots)
		bw.writeUint32(uint32(e.SlotSize))
		bw.writeUint64(indexesLength)
		bw.writeUint64(datasLength)

		indexesLength += e.NumSlots * uint64(e.SlotSize)
		datasLength += e.DataLength
	}

	// The two region-start fields are self-describing: indexRegionStart is
	// the absolute offset where the index region begins, i.e. right after
	// these two trailing 8-byte fields finish.
	indexRegionStart := uint64(bw.count) + 16
	dataRegionStart := indexRegionStart + indexesLength
	bw.writeUint64(indexRegionStart)
	bw.writeUint64(dataRegionStart)

	if bw.err != nil {
		return 0, 0, fmt.Errorf("assemble.Metadata: %w", bw.err)
	}
	return indexesLength, datasLength, nil
}

// CheckFreeDiskSpace sums the byte lengths of paths and fails with an
// error if that total is at or above DiskSpaceThreshold of the usable
// free space on the filesystem containing dir.
func CheckFreeDiskSpace(dir string, paths []string) error {
	var total uint64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("assemble.CheckFreeDiskSpace: stat %s: %w", p, err)
		}
		total += uint64(info.Size())
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("assemble.CheckFreeDiskSpace: statfs %s: %w", dir, err)
	}
	usable := stat.Bavail * uint64(stat.Bsize)

	if usable == 0 || float64(total)/float64(usable) >= DiskSpaceThreshold {
		return &OutOfDiskSpaceError{TotalBytes: total, UsableBytes: usable}
	}
	return nil
}

// OutOfDiskSpaceError is returned by CheckFreeDiskSpace when the
// pre-merge size check fails.
type OutOfDiskSpaceError struct {
	TotalBytes  uint64
	UsableBytes uint64
}

func (e *OutOfDiskSpaceError) Error() string {
	return fmt.Sprintf("assemble: need ~%d bytes, only %d usable", e.TotalBytes, e.UsableBytes)
}

// Concatenate writes metadataPath followed by every path in indexPaths
// (ascending key length order, as the caller must supply them) followed
// by every path in dataPaths to w, as a raw byte copy with no per-file
// framing.
func Concatenate(w io.Writer, metadataPath string, indexPaths, dataPaths []string) error {
	bw := bufio.NewWriterSize(w, 256*1024)

	if err := copyFile(bw, metadataPath); err != nil {
		return fmt.Errorf("assemble.Concatenate: metadata: %w", err)
	}
	for _, p := range indexPaths {
		if err := copyFile(bw, p); err != nil {
			return fmt.Errorf("assemble.Concatenate: index file %s: %w", p, err)
		}
	}
	for _, p := range dataPaths {
		if err := copyFile(bw, p); err != nil {
			return fmt.Errorf("assemble.Concatenate: data file %s: %w", p, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("assemble.Concatenate: flush: %w", err)
	}
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// byteWriter accumulates the first error from a sequence of big-endian
// writes so callers don't have to check every individual field write.
type byteWriter struct {
	w     io.Writer
	buf   [8]byte
	err   error
	count int64
}

func newByteWriter(w io.Writer) *byteWriter {
	return &byteWriter{w: w}
}

func (bw *byteWriter) write(p []byte) {
	if bw.err != nil {
		return
	}
	var n int
	n, bw.err = bw.w.Write(p)
	bw.count += int64(n)
}

func (bw *byteWriter) writeString16(s string) {
	if bw.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		bw.err = fmt.Errorf("assemble: string too long: %d bytes", len(s))
		return
	}
	binary.BigEndian.PutUint16(bw.buf[:2], uint16(len(s)))
	bw.write(bw.buf[:2])
	bw.write([]byte(s))
}

func (bw *byteWriter) writeInt64(v int64) {
	binary.BigEndian.PutUint64(bw.buf[:8], uint64(v))
	bw.write(bw.buf[:8])
}

func (bw *byteWriter) writeUint64(v uint64) {
	binary.BigEndian.PutUint64(bw.buf[:8], v)
	bw.write(bw.buf[:8])
}

func (bw *byteWriter) writeUint32(v uint32) {
	binary.BigEndian.PutUint32(bw.buf[:4], v)
	bw.write(bw.buf[:4])
}
