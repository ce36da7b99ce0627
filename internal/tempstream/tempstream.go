// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package tempstream owns the per-key-length append-only temp files a
// store build streams keys and values into before the index builder reads
// them back. One index temp file and one data temp file exist per distinct
// key length observed; see the package doc for paldb.Builder for the overall
// pipeline this feeds.
package tempstream

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pal-db/paldb/internal/varint"
)

const bufferSize = 64 * 1024

// lengthState tracks the append streams and running statistics for one
// key length.
type lengthState struct {
	keyLength int

	indexFile *os.File
	indexW    *bufio.Writer

	dataFile *os.File
	dataW    *bufio.Writer

	keyCount        uint64
	dataLength      uint64
	maxOffsetLength int

	lastValue              []byte
	lastValueEncodedLength int
}

// Stats summarizes one key length's temp files once the manager is closed,
// everything the index builder needs to turn them into a built index.
type Stats struct {
	KeyLength       int
	IndexTempPath   string
	DataTempPath    string
	KeyCount        uint64
	DataLength      uint64
	MaxOffsetLength int
}

// Manager owns one index+data temp file pair per key length, plus the
// global counters a build accumulates across all key lengths.
type Manager struct {
	dir     string
	lengths map[int]*lengthState

	keyCount   uint64
	valueCount uint64
}

// New creates a Manager that places its temp files under dir. dir must
// already exist and be owned exclusively by this Manager.
func New(dir string) *Manager {
	return &Manager{
		dir:     dir,
		lengths: make(map[int]*lengthState),
	}
}

func (m *Manager) stateFor(keyLength int) (*lengthState, error) {
	if s, ok := m.lengths[keyLength]; ok {
		return s, nil
	}

	indexPath := filepath.Join(m.dir, fmt.Sprintf("temp_index%d.dat", keyLength))
	indexFile, err := os.Create(indexPath)
	if err != nil {
		return nil, fmt.Errorf("os.Create(%s): %w", indexPath, err)
	}

	dataPath := filepath.Join(m.dir, fmt.Sprintf("data%d.dat", keyLength))
	dataFile, err := os.Create(dataPath)
	if err != nil {
		_ = indexFile.Close()
		return nil, fmt.Errorf("os.Create(%s): %w", dataPath, err)
	}

	s := &lengthState{
		keyLength: keyLength,
		indexFile: indexFile,
		indexW:    bufio.NewWriterSize(indexFile, bufferSize),
		dataFile:  dataFile,
		dataW:     bufio.NewWriterSize(dataFile, bufferSize),
	}

	// Reserve offset 0: no real value is ever written there, so a
	// decoded packed-offset of 0 in a slot unambiguously means "empty".
	if err := s.dataW.WriteByte(0); err != nil {
		return nil, fmt.Errorf("reserving zero offset: %w", err)
	}
	s.dataLength = 1

	m.lengths[keyLength] = s
	return s, nil
}

// Put appends key (non-empty) and value (possibly empty) to the temp
// streams for len(key), compressing the value away if it is bytewise
// identical to the immediately preceding value written for this key
// length.
func (m *Manager) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("tempstream: empty key not supported")
	}

	s, err := m.stateFor(len(key))
	if err != nil {
		return err
	}

	if _, err := s.indexW.Write(key); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}

	sameAsLast := s.lastValue != nil && bytes.Equal(s.lastValue, value)

	offsetToRecord := s.dataLength
	if sameAsLast {
		offsetToRecord -= uint64(s.lastValueEncodedLength)
	}

	written, err := varint.PackLong(s.indexW, offsetToRecord)
	if err != nil {
		return fmt.Errorf("writing offset: %w", err)
	}
	if written > s.maxOffsetLength {
		s.maxOffsetLength = written
	}

	if !sameAsLast {
		sizeWritten, err := varint.PackInt(s.dataW, uint32(len(value)))
		if err != nil {
			return fmt.Errorf("writing value size: %w", err)
		}
		if _, err := s.dataW.Write(value); err != nil {
			return fmt.Errorf("writing value: %w", err)
		}

		encoded := sizeWritten + len(value)
		s.dataLength += uint64(encoded)

		last := make([]byte, len(value))
		copy(last, value)
		s.lastValue = last
		s.lastValueEncodedLength = encoded

		m.valueCount++
	}

	s.keyCount++
	m.keyCount++

	return nil
}

// KeyCount returns the total number of keys put so far, across all key
// lengths.
func (m *Manager) KeyCount() uint64 { return m.keyCount }

// ValueCount returns the number of encoded values written to the data
// streams so far (less than KeyCount when adjacent-duplicate compression
// fired).
func (m *Manager) ValueCount() uint64 { return m.valueCount }

// Close flushes and closes every append stream and returns one Stats per
// observed key length, sorted ascending by key length.
func (m *Manager) Close() ([]Stats, error) {
	lengths := make([]int, 0, len(m.lengths))
	for l := range m.lengths {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	stats := make([]Stats, 0, len(lengths))
	for _, l := range lengths {
		s := m.lengths[l]
		if err := s.indexW.Flush(); err != nil {
			return nil, fmt.Errorf("flushing index stream for key length %d: %w", l, err)
		}
		if err := s.dataW.Flush(); err != nil {
			return nil, fmt.Errorf("flushing data stream for key length %d: %w", l, err)
		}
		if err := s.indexFile.Close(); err != nil {
			return nil, fmt.Errorf("closing index stream for key length %d: %w", l, err)
		}
		if err := s.dataFile.Close(); err != nil {
			return nil, fmt.Errorf("closing data stream for key length %d: %w", l, err)
		}

		stats = append(stats, Stats{
			KeyLength:       l,
			IndexTempPath:   s.indexFile.Name(),
			DataTempPath:    s.dataFile.Name(),
			KeyCount:        s.keyCount,
			DataLength:      s.dataLength,
			MaxOffsetLength: s.maxOffsetLength,
		})
	}

	return stats, nil
}
