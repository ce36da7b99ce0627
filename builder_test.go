// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package paldb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pal-db/paldb/internal/assemble"
	"github.com/pal-db/paldb/internal/bloom"
	"github.com/pal-db/paldb/internal/hashindex"
	"github.com/pal-db/paldb/internal/varint"
)

// directoryEntry and parsedStore mirror the on-disk metadata layout
// closely enough to drive lookups in tests, standing in for the reader
// half of PalDB (out of scope for this builder).
type directoryEntry struct {
	keyLength      int
	keyCount       uint64
	numSlots       uint64
	slotSize       int
	indexRegionOff uint64
	dataRegionOff  uint64
}

type parsedStore struct {
	raw              []byte
	formatVersion    string
	buildTimeMillis  int64
	totalKeyCount    uint64
	bloomBitSize     uint32
	bloomWordCount   uint32
	bloomHashFuncs   uint32
	bloomBits        []uint64
	entries          map[int]directoryEntry
	indexRegionStart uint64
	dataRegionStart  uint64
}

func parseStore(t *testing.T, raw []byte) *parsedStore {
	t.Helper()
	pos := 0

	verLen := int(binary.BigEndian.Uint16(raw[pos:]))
	pos += 2
	version := string(raw[pos : pos+verLen])
	pos += verLen

	buildTime := int64(binary.BigEndian.Uint64(raw[pos:]))
	pos += 8
	totalKeys := binary.BigEndian.Uint64(raw[pos:])
	pos += 8

	bloomBitSize := binary.BigEndian.Uint32(raw[pos:])
	pos += 4
	bloomWordCount := binary.BigEndian.Uint32(raw[pos:])
	pos += 4
	bloomHashFuncs := binary.BigEndian.Uint32(raw[pos:])
	pos += 4

	var bloomBits []uint64
	for i := uint32(0); i < bloomWordCount; i++ {
		bloomBits = append(bloomBits, binary.BigEndian.Uint64(raw[pos:]))
		pos += 8
	}

	distinctLengths := binary.BigEndian.Uint32(raw[pos:])
	pos += 4
	pos += 4 // max key length, unused by the test parser

	entries := make(map[int]directoryEntry, distinctLengths)
	for i := uint32(0); i < distinctLengths; i++ {
		l := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		kc := binary.BigEndian.Uint64(raw[pos:])
		pos += 8
		ns := binary.BigEndian.Uint64(raw[pos:])
		pos += 8
		ss := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		idxOff := binary.BigEndian.Uint64(raw[pos:])
		pos += 8
		dataOff := binary.BigEndian.Uint64(raw[pos:])
		pos += 8

		entries[l] = directoryEntry{
			keyLength:      l,
			keyCount:       kc,
			numSlots:       ns,
			slotSize:       ss,
			indexRegionOff: idxOff,
			dataRegionOff:  dataOff,
		}
	}

	indexRegionStart := binary.BigEndian.Uint64(raw[pos:])
	pos += 8
	dataRegionStart := binary.BigEndian.Uint64(raw[pos:])
	pos += 8

	require.Equal(t, pos, int(indexRegionStart), "metadata length must equal the declared index region start")

	return &parsedStore{
		raw:              raw,
		formatVersion:    version,
		buildTimeMillis:  buildTime,
		totalKeyCount:    totalKeys,
		bloomBitSize:     bloomBitSize,
		bloomWordCount:   bloomWordCount,
		bloomHashFuncs:   bloomHashFuncs,
		bloomBits:        bloomBits,
		entries:          entries,
		indexRegionStart: indexRegionStart,
		dataRegionStart:  dataRegionStart,
	}
}

// lookup returns the value stored for key, and whether it was found.
func (s *parsedStore) lookup(t *testing.T, key []byte) ([]byte, bool) {
	t.Helper()
	entry, ok := s.entries[len(key)]
	if !ok {
		return nil, false
	}

	hash := hashindex.Hash(key)
	slotSize := entry.slotSize
	keyLength := entry.keyLength

	for probe := uint64(0); probe < entry.numSlots; probe++ {
		slot := (hash + probe) % entry.numSlots
		off := int64(s.indexRegionStart) + int64(entry.indexRegionOff) + int64(slot)*int64(slotSize)
		slotBuf := s.raw[off : off+int64(slotSize)]

		dataOffset, _, err := varint.UnpackLongAt(slotBuf, keyLength)
		require.NoError(t, err)

		if dataOffset == 0 {
			return nil, false
		}
		if !bytes.Equal(slotBuf[:keyLength], key) {
			continue
		}

		dataPos := int64(s.dataRegionStart) + int64(entry.dataRegionOff) + int64(dataOffset)
		valueLen, n, err := varint.UnpackIntAt(s.raw, int(dataPos))
		require.NoError(t, err)
		valueStart := int(dataPos) + n
		return s.raw[valueStart : valueStart+int(valueLen)], true
	}
	return nil, false
}

func build(t *testing.T, cfg Config, puts func(b *Builder)) *parsedStore {
	t.Helper()
	var buf bytes.Buffer
	b, err := NewBuilder(cfg, &buf)
	require.NoError(t, err)
	puts(b)
	require.NoError(t, b.Close())
	return parseStore(t, buf.Bytes())
}

func TestBuilder_ScenarioA_MinimalSingleKey(t *testing.T) {
	cfg := DefaultConfig()
	store := build(t, cfg, func(b *Builder) {
		require.NoError(t, b.Put([]byte("k"), []byte("v")))
	})

	require.Equal(t, assemble.FormatVersion, store.formatVersion)
	require.Len(t, store.entries, 1)
	entry := store.entries[1]
	require.EqualValues(t, 1, entry.keyCount)
	require.EqualValues(t, 1, entry.numSlots)

	v, found := store.lookup(t, []byte("k"))
	require.True(t, found)
	require.Equal(t, []byte("v"), v)

	_, found = store.lookup(t, []byte("x"))
	require.False(t, found)
}

func TestBuilder_ScenarioB_AdjacentDuplicates(t *testing.T) {
	cfg := DefaultConfig()
	store := build(t, cfg, func(b *Builder) {
		require.NoError(t, b.Put([]byte("a"), []byte("X")))
		require.NoError(t, b.Put([]byte("b"), []byte("X")))
		require.NoError(t, b.Put([]byte("c"), []byte("Y")))
		require.NoError(t, b.Put([]byte("d"), []byte("X")))
	})

	for k, want := range map[string]string{"a": "X", "b": "X", "c": "Y", "d": "X"} {
		v, found := store.lookup(t, []byte(k))
		require.True(t, found, "key %q", k)
		require.Equal(t, want, string(v), "key %q", k)
	}
}

func TestBuilder_ScenarioC_MixedKeyLengths(t *testing.T) {
	cfg := DefaultConfig()
	const n = 1000
	store := build(t, cfg, func(b *Builder) {
		for i := 0; i < n; i++ {
			k4 := make([]byte, 4)
			binary.BigEndian.PutUint32(k4, uint32(i))
			require.NoError(t, b.Put(k4, []byte("v4-"+strconv.Itoa(i))))

			k8 := make([]byte, 8)
			binary.BigEndian.PutUint64(k8, uint64(i))
			require.NoError(t, b.Put(k8, []byte("v8-"+strconv.Itoa(i))))
		}
	})

	require.Len(t, store.entries, 2)
	require.Contains(t, store.entries, 4)
	require.Contains(t, store.entries, 8)

	for i := 0; i < n; i++ {
		k4 := make([]byte, 4)
		binary.BigEndian.PutUint32(k4, uint32(i))
		v, found := store.lookup(t, k4)
		require.True(t, found)
		require.Equal(t, "v4-"+strconv.Itoa(i), string(v))

		k8 := make([]byte, 8)
		binary.BigEndian.PutUint64(k8, uint64(i))
		v, found = store.lookup(t, k8)
		require.True(t, found)
		require.Equal(t, "v8-"+strconv.Itoa(i), string(v))
	}

	_, found := store.lookup(t, []byte{0xff, 0xff, 0xff, 0xff})
	require.False(t, found)
}

func TestBuilder_ScenarioD_DuplicateKeyDetection(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewBuilder(DefaultConfig(), &buf)
	require.NoError(t, err)

	require.NoError(t, b.Put([]byte("k"), []byte("v1")))
	require.NoError(t, b.Put([]byte("k"), []byte("v2")))

	err = b.Close()
	require.Error(t, err)
	require.True(t, Is(err, KindDuplicateKey))
	require.Zero(t, buf.Len(), "no bytes should reach the output sink on a failed build")
}

func TestBuilder_ScenarioE_SegmentStraddling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MMapSegmentSize = 1024

	rng := rand.New(rand.NewSource(42))
	const n = 10000
	keys := make([][]byte, n)

	store := build(t, cfg, func(b *Builder) {
		for i := 0; i < n; i++ {
			k := make([]byte, 16)
			rng.Read(k)
			keys[i] = k
			require.NoError(t, b.Put(k, []byte("value")))
		}
	})

	for _, k := range keys {
		v, found := store.lookup(t, k)
		require.True(t, found)
		require.Equal(t, "value", string(v))
	}
}

func TestBuilder_ScenarioF_BloomFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BloomEnabled = true
	cfg.BloomErrorFactor = 0.01

	const n = 100000
	keys := make([][]byte, n)

	store := build(t, cfg, func(b *Builder) {
		for i := 0; i < n; i++ {
			k := make([]byte, 8)
			binary.BigEndian.PutUint64(k, uint64(i))
			keys[i] = k
			require.NoError(t, b.Put(k, []byte("v")))
		}
	})

	require.NotZero(t, store.bloomBitSize)
	require.NotZero(t, store.bloomHashFuncs)
	require.Len(t, store.bloomBits, int(store.bloomWordCount))

	filter := bloom.FromWords(store.bloomBits, uint64(store.bloomBitSize), int(store.bloomHashFuncs))
	for _, k := range keys {
		require.True(t, filter.Test(k), "every inserted key must test positive")
	}
}

func TestBuilder_PutAfterClose(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewBuilder(DefaultConfig(), &buf)
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, b.Close())

	err = b.Put([]byte("k2"), []byte("v2"))
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidState))

	err = b.Close()
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidState))
}

func TestBuilder_EmptyKeyRejected(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewBuilder(DefaultConfig(), &buf)
	require.NoError(t, err)

	err = b.Put(nil, []byte("v"))
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgument))
}

func TestNewBuilder_RejectsInvalidConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LoadFactor = 1.5
	_, err := NewBuilder(cfg, &buf)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgument))
}

// fixture is a small "key:value" per-line dataset in the same shape
// gen-testdata produces for larger runs; buildFromFixture feeds it
// through Put the way a real ingestion pipeline would read a dump file.
const fixture = `alpha:1
bravo:2
charlie:3
delta:4
echo:5
`

func buildFromFixture(t *testing.T, fixture string) (*parsedStore, map[string]string) {
	t.Helper()
	known := make(map[string]string)
	store := build(t, DefaultConfig(), func(b *Builder) {
		s := bufio.NewScanner(strings.NewReader(fixture))
		for s.Scan() {
			line := s.Bytes()
			k, v, ok := bytes.Cut(line, []byte{':'})
			if !ok {
				t.Fatalf("fixture line %q missing separator", line)
			}
			require.NoError(t, b.Put(k, v))
			known[string(k)] = string(v)
		}
		require.NoError(t, s.Err())
	})
	return store, known
}

func TestBuilder_FixtureRoundTrip(t *testing.T) {
	store, known := buildFromFixture(t, fixture)
	for k, v := range known {
		got, found := store.lookup(t, []byte(k))
		require.True(t, found, "key %q", k)
		require.Equal(t, v, string(got))
	}
}
