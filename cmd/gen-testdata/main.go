// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata builds a sample PalDB store from pseudo-random
// key/value pairs, for exercising the builder against realistic data
// volumes without a real dataset on hand.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/pal-db/paldb"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	_, _ = crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

func main() {
	outPath := flag.String("out", "testdata.paldb", "path to write the built store to")
	nPairs := flag.Int("n", 1000000, "number of key/value pairs to generate")
	bloomEnabled := flag.Bool("bloom", false, "embed a Bloom filter in the built store")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	out, err := os.Create(*outPath)
	if err != nil {
		logger.Error("creating output file", "err", err)
		os.Exit(1)
	}

	cfg := paldb.DefaultConfig()
	cfg.BloomEnabled = *bloomEnabled

	b, err := paldb.NewBuilder(cfg, out, paldb.WithBuilderLogger(logger))
	if err != nil {
		logger.Error("creating builder", "err", err)
		os.Exit(1)
	}

	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))

	for i := 0; i < *nPairs; i++ {
		var buf [suffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			logger.Error("reading random bytes", "err", err)
			os.Exit(1)
		}
		value := fmt.Sprintf("%s%x", prefix, buf)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		if err := b.PutString(key, value); err != nil {
			logger.Error("put", "err", err)
			os.Exit(1)
		}
	}

	if err := b.Close(); err != nil {
		logger.Error("closing builder", "err", err)
		os.Exit(1)
	}

	logger.Info("wrote store", "path", *outPath, "pairs", *nPairs)
}
