// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bloom implements a Bloom filter sized from an expected element
// count and a target false-positive rate, used by the index builder to
// give readers a fast negative membership test before they touch the
// mmap'd index.
package bloom

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/pal-db/paldb/internal/bitset"
)

// filterHashSeed seeds the 128-bit hash whose two halves are combined via
// double hashing into k probe positions. It is independent of the index
// builder's key hash (internal/hashindex.Hash).
const filterHashSeed = 0x5bd1e995

// Filter is a fixed-size Bloom filter. The zero value is not usable;
// construct one with New.
type Filter struct {
	bits          *bitset.Bitset
	hashFunctions int
	m             uint64
}

// New returns a Filter sized for n expected elements and a target
// false-positive probability p, using the standard formulas
// m = ceil(-(n*ln(p)) / (ln 2)^2) bits and k = ceil((m/n)*ln(2)) hash
// functions.
func New(n uint64, p float64) (*Filter, error) {
	if n == 0 {
		return nil, fmt.Errorf("bloom.New: n must be > 0")
	}
	if p <= 0 || p >= 1 {
		return nil, fmt.Errorf("bloom.New: p must be in (0, 1), got %v", p)
	}

	ln2 := math.Ln2
	m := math.Ceil(-(float64(n) * math.Log(p)) / (ln2 * ln2))
	if m < 1 {
		m = 1
	}
	k := math.Ceil((m / float64(n)) * ln2)
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits:          bitset.New(int64(m)),
		hashFunctions: int(k),
		m:             uint64(m),
	}, nil
}

// BitSize returns the number of bits in the filter.
func (f *Filter) BitSize() uint64 { return f.m }

// HashFunctions returns the number of probe positions tested per key.
func (f *Filter) HashFunctions() int { return f.hashFunctions }

// Words returns the filter's backing bit array as a word slice, for
// embedding into the store's metadata region. The caller must not
// mutate the result.
func (f *Filter) Words() []uint64 { return f.bits.Words() }

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	lo, hi := keyHashHalves(key)
	for i := 0; i < f.hashFunctions; i++ {
		f.bits.Set(int64(probe(lo, hi, i, f.m)))
	}
}

// Test reports whether key may have been added. False positives are
// possible (bounded by the rate New was sized for); false negatives are
// not.
func (f *Filter) Test(key []byte) bool {
	lo, hi := keyHashHalves(key)
	for i := 0; i < f.hashFunctions; i++ {
		if !f.bits.IsSet(int64(probe(lo, hi, i, f.m))) {
			return false
		}
	}
	return true
}

// FromWords reconstructs a Filter previously serialized via Words, given
// the same bit size and hash function count it was built with.
func FromWords(words []uint64, bitSize uint64, hashFunctions int) *Filter {
	return &Filter{
		bits:          bitset.FromWords(words, int64(bitSize)),
		hashFunctions: hashFunctions,
		m:             bitSize,
	}
}

func keyHashHalves(key []byte) (lo, hi uint64) {
	hi, lo = murmur3.Sum128WithSeed(key, filterHashSeed)
	return lo, hi
}

// probe computes the i'th of k bit positions for a key via double
// hashing: position_i = (lo + i*hi) mod m. This is Kirsch-Mitzenmacher
// double hashing, standard for Bloom filters built from a single 128-bit
// hash.
func probe(lo, hi uint64, i int, m uint64) uint64 {
	combined := lo + uint64(i)*hi
	return combined % m
}
