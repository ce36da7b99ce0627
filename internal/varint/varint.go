// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package varint packs unsigned integers into a variable number of bytes
// using a little-endian, 7-bits-per-byte continuation scheme: the top bit
// of each byte is set when more bytes follow.
package varint

import (
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt is returned when a decoder sees more continuation bytes than a
// value of its width could ever produce.
var ErrCorrupt = errors.New("varint: corrupt encoding")

const (
	// MaxLongLen is the longest a packed uint64 can be.
	MaxLongLen = 9
	// MaxIntLen is the longest a packed uint32 can be.
	MaxIntLen = 5
)

// PackLong writes v to w using 1-9 bytes and returns the number of bytes
// written. v must be less than 1<<63; larger values do not fit in
// MaxLongLen bytes.
func PackLong(w io.Writer, v uint64) (int, error) {
	var buf [MaxLongLen]byte
	n := EncodeLong(buf[:], v)
	if _, err := w.Write(buf[:n]); err != nil {
		return 0, fmt.Errorf("varint.PackLong: %w", err)
	}
	return n, nil
}

// PackInt writes v to w using 1-5 bytes and returns the number of bytes
// written.
func PackInt(w io.Writer, v uint32) (int, error) {
	var buf [MaxIntLen]byte
	n := EncodeInt(buf[:], v)
	if _, err := w.Write(buf[:n]); err != nil {
		return 0, fmt.Errorf("varint.PackInt: %w", err)
	}
	return n, nil
}

// EncodeLong encodes v into buf (which must have length >= MaxLongLen) and
// returns the number of bytes used. v must be less than 1<<63: a larger v
// needs a tenth byte and indexes past a MaxLongLen-sized buf.
func EncodeLong(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// EncodeInt encodes v into buf (which must have length >= MaxIntLen) and
// returns the number of bytes used.
func EncodeInt(buf []byte, v uint32) int {
	return EncodeLong(buf, uint64(v))
}

// UnpackLong reads a packed uint64 from r.
func UnpackLong(r io.Reader) (uint64, error) {
	var (
		result uint64
		shift  uint
		b      [1]byte
	)
	for i := 0; i < MaxLongLen; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("varint.UnpackLong: %w", err)
		}
		result |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ErrCorrupt
}

// UnpackInt reads a packed uint32 from r.
func UnpackInt(r io.Reader) (uint32, error) {
	var (
		result uint32
		shift  uint
		b      [1]byte
	)
	for i := 0; i < MaxIntLen; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("varint.UnpackInt: %w", err)
		}
		result |= uint32(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ErrCorrupt
}

// UnpackIntAt decodes a packed uint32 starting at buf[off] and returns the
// value along with the number of bytes consumed.
func UnpackIntAt(buf []byte, off int) (uint32, int, error) {
	var (
		result uint32
		shift  uint
	)
	for i := 0; i < MaxIntLen; i++ {
		pos := off + i
		if pos >= len(buf) {
			return 0, 0, ErrCorrupt
		}
		b := buf[pos]
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrCorrupt
}

// UnpackLongAt decodes a packed uint64 starting at buf[off] and returns the
// value along with the number of bytes consumed. It does not depend on the
// total length of buf beyond what it reads.
func UnpackLongAt(buf []byte, off int) (uint64, int, error) {
	var (
		result uint64
		shift  uint
	)
	for i := 0; i < MaxLongLen; i++ {
		pos := off + i
		if pos >= len(buf) {
			return 0, 0, ErrCorrupt
		}
		b := buf[pos]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrCorrupt
}
