// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package paldb implements the write-once, read-many store builder half
// of PalDB: an embedded key-value format optimized for datasets built
// once and read many times afterward, with lookups backed by an
// mmap'd, per-key-length open-addressing hash index rather than a
// general-purpose B-tree or LSM structure.
//
// A Builder streams (key, value) pairs to disk-backed temp files via
// Put, then Close builds one hash index per distinct key length
// observed, optionally embeds a Bloom filter, writes a metadata header
// describing the resulting layout, and concatenates everything into the
// caller's output sink as a single immutable file.
package paldb
