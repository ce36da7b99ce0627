// Copyright 2024 The PalDB Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package paldb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/pal-db/paldb/internal/assemble"
	"github.com/pal-db/paldb/internal/bloom"
	"github.com/pal-db/paldb/internal/hashindex"
	"github.com/pal-db/paldb/internal/tempstream"
	"github.com/pal-db/paldb/internal/unsafestring"
	"github.com/pal-db/paldb/internal/varint"
)

// BuilderOption configures a Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger *slog.Logger
}

// WithBuilderLogger sets an optional logger the builder uses for
// progress updates. If not provided, no logging output is produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

// state tracks where in its lifecycle a Builder is; Put is only valid in
// stateOpen, and Close transitions stateOpen -> stateClosed exactly once.
type state int

const (
	stateOpen state = iota
	stateClosed
)

// Builder constructs an immutable PalDB store from key/value pairs
// streamed in via Put, one per distinct key. It is single-writer and
// not safe for concurrent use; see the package doc for the overall
// pipeline Put and Close drive.
type Builder struct {
	cfg     Config
	sink    io.Writer
	rawSink io.Writer
	logger  *slog.Logger

	tempDir string
	temp    *tempstream.Manager

	state state
}

// NewBuilder creates a Builder that streams a built store to sink as
// Close assembles it. sink is wrapped in a buffered writer if it isn't
// already buffered. Close always closes sink itself, once on every
// return path, whether or not the build succeeds; the caller must not
// close sink.
func NewBuilder(cfg Config, sink io.Writer, opts ...BuilderOption) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var options builderOptions
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}

	tempDir, err := os.MkdirTemp("", "paldb-builder-*")
	if err != nil {
		return nil, storageIOError("creating temp directory", err)
	}

	var bufferedSink io.Writer = sink
	if _, ok := sink.(interface{ Flush() error }); !ok {
		bufferedSink = bufio.NewWriterSize(sink, 256*1024)
	}

	return &Builder{
		cfg:     cfg,
		sink:    bufferedSink,
		rawSink: sink,
		logger:  options.logger,
		tempDir: tempDir,
		temp:    tempstream.New(tempDir),
		state:   stateOpen,
	}, nil
}

// Put adds a key/value pair to the store being built. Two Puts with
// bytewise-equal keys are only detected at Close time and cause Close
// to fail with a KindDuplicateKey error.
func (b *Builder) Put(key, value []byte) error {
	if b.state != stateOpen {
		return invalidState("put called after close")
	}
	if len(key) == 0 {
		return invalidArgumentf("key must not be empty")
	}
	if err := b.temp.Put(key, value); err != nil {
		return storageIOError("writing temp stream", err)
	}
	return nil
}

// PutString is a convenience wrapper around Put for string-typed keys
// and values, reinterpreting their bytes without copying.
func (b *Builder) PutString(key, value string) error {
	return b.Put(unsafestring.ToBytes(key), unsafestring.ToBytes(value))
}

// Close flushes all buffered records, builds the per-key-length hash
// indices, writes the metadata header, assembles the final store into
// the output sink, closes the sink, and removes the builder's temp
// directory, whether or not the build succeeds. Close must be called
// exactly once; Put after Close returns a KindInvalidState error, as
// does a second Close.
func (b *Builder) Close() error {
	if b.state != stateOpen {
		return invalidState("close called more than once")
	}
	b.state = stateClosed
	defer os.RemoveAll(b.tempDir)
	defer func() {
		if closer, ok := b.rawSink.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	stats, err := b.temp.Close()
	if err != nil {
		return storageIOError("closing temp streams", err)
	}

	b.logger.Info("building store", "keys", b.temp.KeyCount(), "values", b.temp.ValueCount(), "distinct_lengths", len(stats))

	var filter *bloom.Filter
	var bloomInfo *assemble.BloomInfo
	if b.cfg.BloomEnabled && b.temp.KeyCount() > 0 {
		filter, err = bloom.New(b.temp.KeyCount(), b.cfg.BloomErrorFactor)
		if err != nil {
			return invalidArgumentf("constructing bloom filter: %v", err)
		}
	}

	entries := make([]assemble.KeyLengthEntry, 0, len(stats))
	indexPaths := make([]string, 0, len(stats))
	dataPaths := make([]string, 0, len(stats))
	var collisions uint64

	for _, s := range stats {
		indexPath := fmt.Sprintf("%s/index%d.dat", b.tempDir, s.KeyLength)
		res, err := hashindex.Build(s.IndexTempPath, indexPath, s.KeyLength, s.KeyCount, s.MaxOffsetLength, b.cfg.LoadFactor, filter, b.cfg.MMapSegmentSize)
		if err != nil {
			if dup, ok := asDuplicateKey(err); ok {
				return duplicateKeyError(dup.Key)
			}
			if errors.Is(err, varint.ErrCorrupt) {
				return newError(KindCorruptFormat, fmt.Sprintf("building index for key length %d", s.KeyLength), err)
			}
			return storageIOError(fmt.Sprintf("building index for key length %d", s.KeyLength), err)
		}
		collisions += res.Collisions

		_ = os.Remove(s.IndexTempPath)

		entries = append(entries, assemble.KeyLengthEntry{
			KeyLength:  s.KeyLength,
			KeyCount:   s.KeyCount,
			NumSlots:   res.NumSlots,
			SlotSize:   res.SlotSize,
			DataLength: s.DataLength,
		})
		indexPaths = append(indexPaths, res.Path)
		dataPaths = append(dataPaths, s.DataTempPath)
	}

	b.logger.Info("built indices", "collisions", collisions)

	if filter != nil {
		bloomInfo = &assemble.BloomInfo{
			BitSize:       filter.BitSize(),
			Words:         filter.Words(),
			HashFunctions: filter.HashFunctions(),
		}
	}

	metadataPath := fmt.Sprintf("%s/metadata.dat", b.tempDir)
	metadataFile, err := os.Create(metadataPath)
	if err != nil {
		return storageIOError("creating metadata file", err)
	}
	_, _, err = assemble.Metadata(metadataFile, entries, bloomInfo, b.temp.KeyCount(), time.Now().UnixMilli())
	closeErr := metadataFile.Close()
	if err != nil {
		return storageIOError("writing metadata", err)
	}
	if closeErr != nil {
		return storageIOError("closing metadata file", closeErr)
	}

	allPaths := append([]string{metadataPath}, indexPaths...)
	allPaths = append(allPaths, dataPaths...)
	if err := assemble.CheckFreeDiskSpace(b.tempDir, allPaths); err != nil {
		var diskErr *assemble.OutOfDiskSpaceError
		if errors.As(err, &diskErr) {
			return outOfDiskSpaceError(diskErr.TotalBytes, diskErr.UsableBytes)
		}
		return storageIOError("checking free disk space", err)
	}

	sortByAscendingKeyLength(entries, indexPaths, dataPaths)

	if err := assemble.Concatenate(b.sink, metadataPath, indexPaths, dataPaths); err != nil {
		return storageIOError("assembling store", err)
	}

	if flusher, ok := b.sink.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return storageIOError("flushing output sink", err)
		}
	}

	return nil
}

// sortByAscendingKeyLength reorders indexPaths and dataPaths in place so
// they follow the same ascending-key-length order as entries. In
// practice the loop in Close already produces them in that order (since
// tempstream.Manager.Close sorts its Stats by key length), but Metadata
// writes its directory in ascending key-length order and the files
// Concatenate copies must follow that same order, so this makes the
// dependency explicit rather than implicit in iteration order.
func sortByAscendingKeyLength(entries []assemble.KeyLengthEntry, indexPaths, dataPaths []string) {
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return entries[idx[i]].KeyLength < entries[idx[j]].KeyLength
	})

	sortedIndex := make([]string, len(indexPaths))
	sortedData := make([]string, len(dataPaths))
	for newPos, oldPos := range idx {
		sortedIndex[newPos] = indexPaths[oldPos]
		sortedData[newPos] = dataPaths[oldPos]
	}
	copy(indexPaths, sortedIndex)
	copy(dataPaths, sortedData)
}

func asDuplicateKey(err error) (*hashindex.DuplicateKeyError, bool) {
	for err != nil {
		if d, ok := err.(*hashindex.DuplicateKeyError); ok {
			return d, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
