// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blockfind locates DEFLATE block boundaries inside a gzip stream
// well ahead of any actual decoding, so the parallel reader can hand out
// chunk work before the whole file has been scanned.
//
// It is grounded on GzipBlockFinder.hpp from the reference sources: a
// lean bookkeeping structure over a sorted list of confirmed block
// offsets, with unconfirmed indexes answered by a cheap arithmetic guess
// on a fixed bit-spacing grid. Two data sources feed confirmed offsets:
// the BGZF fast path (exact, from extra-field block sizes) and callers
// reporting the true end offset of a chunk they finished decoding.
package blockfind

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Vadiml1024/pragzip/internal/bitio"
)

// MinSpacingBits is the smallest partition spacing accepted, matching the
// window size: a smaller spacing risks an index larger than the
// decompressed data itself.
const MinSpacingBits = 32 * 1024 * 8

// ErrSpacingTooSmall is returned by New when the requested spacing is
// below MinSpacingBits.
var ErrSpacingTooSmall = errors.New("blockfind: spacing smaller than the window size makes no sense")

// ErrFinalized is returned by Insert for a new offset inside the file once
// the finder has been finalized.
var ErrFinalized = errors.New("blockfind: finder is finalized, cannot insert further offsets")

// Finder tracks confirmed DEFLATE block bit-offsets and answers guesses
// for indexes beyond what has been confirmed so far.
type Finder struct {
	mu sync.Mutex

	src          io.ReaderAt
	fileSizeBits uint64
	spacingBits  uint64
	finalized    bool
	blockOffsets []uint64 // sorted, confirmed

	isBGZF          bool
	bgzf            *bgzfScanner
	bgzfDone        bool
	batchFetchCount int
	limiter         *rate.Limiter
}

// New creates a Finder over src (sizeBytes long), partitioning unconfirmed
// guesses at spacingBytes intervals. workers scales the BGZF batch-fetch
// count, matching the reference's std::thread::hardware_concurrency()
// heuristic.
func New(src io.ReaderAt, sizeBytes int64, spacingBytes int64, workers int) (*Finder, error) {
	spacingBits := uint64(spacingBytes) * 8
	if spacingBits < MinSpacingBits {
		return nil, ErrSpacingTooSmall
	}

	info, err := readGzipHeader(src, 0)
	if err != nil {
		return nil, err
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	f := &Finder{
		src:             src,
		fileSizeBits:    uint64(sizeBytes) * 8,
		spacingBits:     spacingBits,
		blockOffsets:    []uint64{uint64(info.headerLen) * 8},
		isBGZF:          info.hasBC,
		batchFetchCount: max(16, 3*workers),
		limiter:         rate.NewLimiter(rate.Limit(4000), 128),
	}

	if f.isBGZF {
		f.bgzf = newBGZFScanner(src, 0)
	}

	return f, nil
}

// Size returns the number of confirmed block offsets known so far.
func (f *Finder) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.blockOffsets)
}

// Finalize freezes the set of confirmed offsets; further Insert calls with
// a new offset inside the file fail with ErrFinalized, and Get no longer
// triggers BGZF background enumeration.
func (f *Finder) Finalize() {
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
}

// Finalized reports whether Finalize has been called.
func (f *Finder) Finalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.finalized
}

// IsBGZF reports whether the stream was recognised as BGZF at construction.
func (f *Finder) IsBGZF() bool {
	return f.isBGZF
}

// SpacingBits returns the configured guess spacing, in bits.
func (f *Finder) SpacingBits() uint64 {
	return f.spacingBits
}

// Insert records blockOffset (bits) as a confirmed block boundary.
// Confirming an offset that coincides with a future guess effectively
// replaces it; offsets beyond the file size are silently ignored.
func (f *Finder) Insert(blockOffset bitio.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.insertLocked(blockOffset)
}

func (f *Finder) insertLocked(blockOffset uint64) error {
	if blockOffset >= f.fileSizeBits {
		return nil
	}

	i := sort.Search(len(f.blockOffsets), func(i int) bool { return f.blockOffsets[i] >= blockOffset })
	if i < len(f.blockOffsets) && f.blockOffsets[i] == blockOffset {
		return nil
	}

	if f.finalized {
		return ErrFinalized
	}

	f.blockOffsets = append(f.blockOffsets, 0)
	copy(f.blockOffsets[i+1:], f.blockOffsets[i:])
	f.blockOffsets[i] = blockOffset

	return nil
}

// firstPartitionIndex returns the smallest guess-grid index whose offset
// (index*spacing) lies strictly beyond the last confirmed offset.
func (f *Finder) firstPartitionIndex() uint64 {
	return f.blockOffsets[len(f.blockOffsets)-1]/f.spacingBits + 1
}

// Get returns the bit offset of block index, which may be an exact
// confirmed offset or, beyond the confirmed range, an arithmetic guess on
// the spacing grid. It returns ok=false when index refers past the end of
// the file, whether or not the finder is finalized (the first index beyond
// the last in-file grid offset is answered with the file size in bits).
// For BGZF streams not yet
// finalized, Get first tries to extend the confirmed list from the BGZF
// scanner, paced by ctx.
func (f *Finder) Get(ctx context.Context, index int) (bitio.Offset, bool, error) {
	offset, _, ok, err := f.GetWithConfirmation(ctx, index)

	return offset, ok, err
}

// GetWithConfirmation behaves like Get but additionally reports whether
// the returned offset is a proven block start (confirmed = true, either
// from the gzip header, a BGZF extra-field size, or a caller-reported
// chunk end) or merely a guess landing on the spacing grid, which callers
// must locate the real header near via ScanForBlockHeader before trusting
// it as a decode start point.
func (f *Finder) GetWithConfirmation(ctx context.Context, index int) (offset bitio.Offset, confirmed, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isBGZF && !f.finalized && !f.bgzfDone {
		if err := f.gatherMoreBGZFBlocksLocked(ctx, index); err != nil {
			return 0, false, false, err
		}
	}

	if index < len(f.blockOffsets) {
		return f.blockOffsets[index], true, true, nil
	}

	indexOutside := uint64(index - len(f.blockOffsets))
	partitionIndex := f.firstPartitionIndex() + indexOutside
	blockOffset := partitionIndex * f.spacingBits

	if blockOffset < f.fileSizeBits {
		return blockOffset, false, true, nil
	}

	if partitionIndex > 0 {
		previous := (partitionIndex - 1) * f.spacingBits
		if previous < f.fileSizeBits {
			return f.fileSizeBits, false, true, nil
		}
	}

	return 0, false, false, nil
}

// Find returns the index of the block at the given bit offset: either the
// position of a matching confirmed offset, or (for an offset that lies
// exactly on the guess grid beyond the confirmed range) the index that Get
// would answer with that offset.
func (f *Finder) Find(offsetBits bitio.Offset) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := sort.Search(len(f.blockOffsets), func(i int) bool { return f.blockOffsets[i] >= offsetBits })
	if i < len(f.blockOffsets) && f.blockOffsets[i] == offsetBits {
		return i, true
	}

	last := f.blockOffsets[len(f.blockOffsets)-1]
	if offsetBits > last && offsetBits < f.fileSizeBits && offsetBits%f.spacingBits == 0 {
		partitionIndex := offsetBits / f.spacingBits
		blockIndex := len(f.blockOffsets) + int(partitionIndex-f.firstPartitionIndex())

		return blockIndex, true
	}

	return 0, false
}

// SetBlockOffsets replaces the confirmed offset list wholesale and
// finalizes the finder, used when an index previously exported via
// internal/index is imported: every offset is already known and no
// further speculative scanning is needed.
func (f *Finder) SetBlockOffsets(offsets []bitio.Offset) {
	f.mu.Lock()
	f.blockOffsets = append([]uint64(nil), offsets...)
	f.finalized = true
	f.mu.Unlock()
}

// PartitionOffsetContainingOffset rounds blockOffset (bits) down to the
// enclosing guess-grid boundary.
func (f *Finder) PartitionOffsetContainingOffset(blockOffset bitio.Offset) bitio.Offset {
	return (blockOffset / f.spacingBits) * f.spacingBits
}

// gatherMoreBGZFBlocksLocked extends the confirmed offset list from the
// BGZF scanner until it covers blockIndex plus a lookahead batch, or the
// scanner runs dry. Each probe is paced through the rate limiter so a
// caller blocked waiting on a far-future index cannot starve concurrent
// on-demand work sharing the same Finder.
func (f *Finder) gatherMoreBGZFBlocksLocked(ctx context.Context, blockIndex int) error {
	for blockIndex+f.batchFetchCount >= len(f.blockOffsets) {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		offset, ok, err := f.bgzf.next()
		if err != nil {
			return err
		}

		if !ok {
			f.bgzfDone = true

			return nil
		}

		if offset >= f.fileSizeBits {
			f.bgzfDone = true

			return nil
		}

		last := f.blockOffsets[len(f.blockOffsets)-1]
		if offset < last+f.spacingBits {
			continue
		}

		if err := f.insertLocked(offset); err != nil {
			return err
		}
	}

	return nil
}
