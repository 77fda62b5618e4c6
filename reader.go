// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pragzip implements a parallel, random-access reader for gzip
// (RFC 1952) streams of RFC 1951 DEFLATE data: chunks are located and
// decoded speculatively across a worker pool, stitched back together in
// requested order, and can be persisted to an index so a later re-open
// pays no speculative-decode cost at all.
package pragzip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/blockfind"
	"github.com/Vadiml1024/pragzip/internal/crc32combine"
	"github.com/Vadiml1024/pragzip/internal/fetch"
	"github.com/Vadiml1024/pragzip/internal/huffman"
	"github.com/Vadiml1024/pragzip/internal/index"
	"github.com/Vadiml1024/pragzip/internal/inflate"
	"github.com/Vadiml1024/pragzip/internal/pool"
)

// ErrClosed is returned by Reader methods after Close has been called.
var ErrClosed = errors.New("pragzip: reader is closed")

// Stats is a snapshot of a Reader's internal bookkeeping, useful for
// diagnostics and tuning; it has no bearing on decoded output. It
// supplements the distilled surface with the cache hit/miss and prefetch
// accounting the original implementation exposed via its own stats
// accessor (see DESIGN.md).
type Stats struct {
	BlockCount     int
	IsBGZF         bool
	PoolSize       int
	PendingTasks   int
	DecompressedAt int64
	Fetcher        fetch.Stats
}

// Reader is a seekable, parallel-decoding reader over a gzip stream. It is
// not safe for concurrent use by multiple goroutines.
type Reader struct {
	mu  sync.Mutex
	src io.ReaderAt
	sz  int64
	opt Options

	pool    *pool.Pool
	finder  *blockfind.Finder
	blocks  *index.BlockMap
	windows *index.WindowMap
	fetcher *fetch.Fetcher

	chunkIndex    int64
	current       *fetch.Result
	currentBytes  []byte
	offsetInChunk int
	pos           int64

	// memberCRC and memberSize accumulate, in chunk-consumption order, the
	// CRC-32 and byte count of the gzip member currently being read; they
	// reset to zero once that member's trailer is checked. streamCRC32 and
	// streamSize fold each verified member in turn, so once Read has
	// carried the caller through to EOF they hold the CRC-32 and size of
	// the whole decompressed stream. A Seek invalidates both, since
	// verification depends on having consumed every byte since the last
	// member boundary in order.
	memberCRC   uint32
	memberSize  uint64
	streamCRC32 uint32
	streamSize  uint64

	closed bool
}

// NewReader creates a Reader over src, a random-access view of sz bytes of
// gzip-framed data.
func NewReader(src io.ReaderAt, sz int64, options ...OptionFunc) (*Reader, error) {
	opt := defaultOptions()

	for _, o := range options {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}

	r := &Reader{src: src, sz: sz, opt: opt}

	if opt.AutoIndexPath != "" {
		if imported, err := index.LoadFile(opt.AutoIndexPath); err == nil {
			r.blocks = imported.BlockMap
			r.windows = imported.WindowMap
		} else {
			opt.Logger.Debug("no usable index to import", zap.String("path", opt.AutoIndexPath), zap.Error(err))
		}
	}

	if r.blocks == nil {
		r.blocks = index.NewBlockMap()
	}

	if r.windows == nil {
		r.windows = index.NewWindowMap(opt.WindowCompression == WindowCompressionDeflate, flate.DefaultCompression)
	}

	finder, err := blockfind.New(src, sz, opt.SpacingBits/8, opt.Parallelization)
	if err != nil {
		return nil, err
	}

	if r.blocks.Finalized() {
		offsets := xslices.Map(r.blocks.All(), func(rec index.Record) bitio.Offset { return rec.CompressedBit })
		if len(offsets) > 0 {
			finder.SetBlockOffsets(offsets)
		}
	}

	r.finder = finder
	r.pool = pool.New(opt.Parallelization, opt.Logger)
	r.fetcher = fetch.New(r.pool, finder, r.blocks, r.windows, r.decodeChunk, opt.Logger)

	return r, nil
}

// decodeChunk implements fetch.Decoder: it confirms unconfirmed guesses via
// a bit-level header scan, decodes the DEFLATE data from the confirmed
// start, and resolves the result against the supplied preceding window.
func (r *Reader) decodeChunk(_ context.Context, startBit bitio.Offset, confirmed bool, window []byte) (*fetch.Result, error) {
	br := bitio.NewReader(r.src, r.sz)

	realStart := startBit

	if !confirmed {
		end := startBit + r.finder.SpacingBits()

		fileSizeBits := uint64(r.sz) * 8
		if end > fileSizeBits {
			end = fileSizeBits
		}

		found, err := blockfind.ScanForBlockHeader(br, startBit, end)
		if err != nil {
			return nil, newError(KindIncompleteStream, int64(startBit/8), err)
		}

		realStart = found
	}

	if err := br.Seek(realStart); err != nil {
		return nil, newError(KindIOError, int64(realStart/8), err)
	}

	chunk, err := inflate.Decode(br, inflate.Options{SoftSizeLimit: r.opt.ChunkSize})
	if err != nil {
		return nil, translateInflateErr(err)
	}

	if err := chunk.Resolve(window); err != nil {
		return nil, translateInflateErr(err)
	}

	res := &fetch.Result{Chunk: chunk, StartBit: realStart, ExitWindow: chunk.ExitWindow, NextStart: chunk.EndBit}

	if chunk.FinalBlock {
		res.HasTrailer, res.TrailerCRC32, res.TrailerISIZE = r.readTrailer(chunk.EndBit)
		res.NextStart = r.nextMemberStart(chunk.EndBit)
	}

	return res, nil
}

// nextMemberStart returns the bit offset of the next gzip member's first
// DEFLATE block, given the bit offset a preceding member's final block
// ended on: it skips the 8-byte CRC32+ISIZE trailer and parses the
// following member's header. If there is no further member, or the header
// cannot be parsed (a truncated or malformed trailing member), it returns
// the end of the stream, which the block finder silently ignores as a
// confirmed offset.
func (r *Reader) nextMemberStart(endBit uint64) uint64 {
	fileSizeBits := uint64(r.sz) * 8

	trailerEnd := int64((endBit+7)/8) + 8
	if trailerEnd >= r.sz {
		return fileSizeBits
	}

	headerLen, err := blockfind.GzipHeaderLen(r.src, trailerEnd)
	if err != nil {
		return fileSizeBits
	}

	return uint64(trailerEnd+headerLen) * 8
}

// readTrailer reads the 8-byte CRC32+ISIZE trailer that RFC 1952 places
// immediately after a member's compressed data, byte-aligning up from the
// bit offset the final block ended on. A short or failed read (e.g. a
// truncated stream) simply reports ok=false; the caller treats that member
// as unverifiable rather than failing the decode that already succeeded.
func (r *Reader) readTrailer(endBit uint64) (ok bool, crc32Val, isize uint32) {
	trailerStart := int64((endBit + 7) / 8)

	var trailer [8]byte

	n, err := r.src.ReadAt(trailer[:], trailerStart)
	if n != len(trailer) || (err != nil && err != io.EOF) {
		return false, 0, 0
	}

	return true, binary.LittleEndian.Uint32(trailer[0:4]), binary.LittleEndian.Uint32(trailer[4:8])
}

func translateInflateErr(err error) *Error {
	var ierr *inflate.Error

	offset := int64(0)
	kind := KindIncompleteStream

	if errors.As(err, &ierr) {
		offset = int64(ierr.BitOffset / 8)

		switch {
		case errors.Is(ierr.Err, inflate.ErrReservedBlockType), errors.Is(ierr.Err, inflate.ErrStoredLengthMismatch):
			kind = KindInvalidBlockType
		case errors.Is(ierr.Err, inflate.ErrDistanceTooFar):
			kind = KindInvalidBackreference
		case errors.Is(ierr.Err, inflate.ErrUnexpectedEOF):
			kind = KindIncompleteStream
		case errors.Is(ierr.Err, inflate.ErrInvalidSymbol):
			kind = KindInvalidHuffmanCode
		case errors.Is(ierr.Err, huffman.ErrIncompleteTree):
			kind = KindInvalidCodeLengths
		case errors.Is(ierr.Err, huffman.ErrBloatingTree):
			kind = KindBloatingHuffmanCoding
		case ierr.Kind == inflate.FailureHeader:
			kind = KindInvalidCodeLengths
		default:
			kind = KindInvalidBackreference
		}
	}

	return newError(kind, offset, err)
}

// Read implements io.Reader, decoding chunks in ascending order and
// stitching their bytes into p.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	ctx := context.Background()

	total := 0

	for total < len(p) {
		if r.current == nil || r.offsetInChunk >= len(r.currentBytes) {
			res, err := r.fetcher.Get(ctx, r.chunkIndex)
			if err != nil {
				if errors.Is(err, fetch.ErrOutOfRange) {
					if total > 0 {
						return total, nil
					}

					return 0, io.EOF
				}

				return total, err
			}

			r.current = res
			r.currentBytes = res.Chunk.Bytes()
			r.offsetInChunk = 0
			r.chunkIndex++

			r.memberCRC = crc32combine.Combine(r.memberCRC, res.Chunk.CRC32, int64(len(r.currentBytes)))
			r.memberSize += uint64(len(r.currentBytes))

			if res.HasTrailer {
				if verr := r.checkTrailer(res); verr != nil {
					return total, verr
				}
			}

			if len(r.currentBytes) == 0 {
				continue
			}
		}

		n := copy(p[total:], r.currentBytes[r.offsetInChunk:])
		r.offsetInChunk += n
		total += n
		r.pos += int64(n)
	}

	return total, nil
}

// checkTrailer validates the gzip member trailer carried by res against the
// CRC-32 and size accumulated for that member since its predecessor's
// trailer (or the start of the stream), gated on Options.VerifyChecksums,
// then folds the member into the running whole-stream totals and resets
// the per-member accumulators for the next member.
func (r *Reader) checkTrailer(res *fetch.Result) error {
	pos := int64((res.Chunk.EndBit + 7) / 8)

	if r.opt.VerifyChecksums {
		if res.TrailerCRC32 != r.memberCRC {
			return newError(KindCRCMismatch, pos, fmt.Errorf("member crc32 %08x, computed %08x", res.TrailerCRC32, r.memberCRC))
		}

		if res.TrailerISIZE != uint32(r.memberSize) {
			return newError(KindSizeMismatch, pos, fmt.Errorf("member isize %d, computed %d", res.TrailerISIZE, r.memberSize))
		}
	}

	r.streamCRC32 = crc32combine.Combine(r.streamCRC32, r.memberCRC, int64(r.memberSize))
	r.streamSize += r.memberSize
	r.memberCRC = 0
	r.memberSize = 0

	return nil
}

// Seek implements io.Seeker over the decompressed byte stream. Seeking to
// an offset not yet confirmed in the block map falls back to the nearest
// known chunk boundary and re-decodes forward from there.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	var target int64

	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		return 0, fmt.Errorf("pragzip: SeekEnd requires a known stream size, not yet supported")
	default:
		return 0, fmt.Errorf("pragzip: invalid whence %d", whence)
	}

	if target < 0 {
		return 0, fmt.Errorf("pragzip: negative seek position %d", target)
	}

	rec, ok := r.blocks.FindByByte(uint64(target))
	if !ok {
		// No confirmed chunk covers this offset yet: restart from the
		// beginning and let sequential decoding populate the block map.
		r.chunkIndex = 0
		r.current = nil
		r.currentBytes = nil
		r.offsetInChunk = 0
		r.pos = 0
		r.memberCRC, r.memberSize, r.streamCRC32, r.streamSize = 0, 0, 0, 0

		return r.skipTo(target)
	}

	chunkIdx, ok := r.finder.Find(rec.CompressedBit)
	if !ok {
		return 0, fmt.Errorf("pragzip: internal error: confirmed offset %d not found in block finder", rec.CompressedBit)
	}

	r.chunkIndex = int64(chunkIdx)
	r.current = nil
	r.currentBytes = nil
	r.offsetInChunk = 0
	r.pos = int64(rec.DecompressedByte)
	r.memberCRC, r.memberSize, r.streamCRC32, r.streamSize = 0, 0, 0, 0

	return r.skipTo(target)
}

// skipTo reads and discards bytes until r.pos reaches target, using the
// ordinary Read path so it benefits from the same caching and prefetching.
func (r *Reader) skipTo(target int64) (int64, error) {
	var discard [32 * 1024]byte

	for r.pos < target {
		toRead := target - r.pos
		if toRead > int64(len(discard)) {
			toRead = int64(len(discard))
		}

		n, err := r.readLocked(discard[:toRead])
		if n == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return r.pos, err
		}
	}

	return r.pos, nil
}

// readLocked lets Seek, which already holds r.mu, call Read without
// recursive locking: it releases r.mu for the duration of the Read call
// and re-acquires it afterwards.
func (r *Reader) readLocked(p []byte) (int, error) {
	r.mu.Unlock()
	defer r.mu.Lock()

	return r.Read(p)
}

// SetParallelization changes the worker pool size immediately: the current
// pool is closed (running its queued work to completion), in-flight
// prefetches are drained, and a new pool and fetcher replace them.
func (r *Reader) SetParallelization(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if n < 0 {
		return fmt.Errorf("pragzip: parallelization must be non-negative: %d", n)
	}

	if err := r.pool.Close(); err != nil {
		r.opt.Logger.Warn("error closing previous worker pool", zap.Error(err))
	}

	r.fetcher.Wait()

	r.opt.Parallelization = n
	r.pool = pool.New(n, r.opt.Logger)
	r.fetcher = fetch.New(r.pool, r.finder, r.blocks, r.windows, r.decodeChunk, r.opt.Logger)

	return nil
}

// SetChunkSize changes the soft lower bound on decoded chunk size used for
// chunks decoded from now on.
func (r *Reader) SetChunkSize(bytes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if bytes <= 0 {
		return fmt.Errorf("pragzip: chunk size must be positive: %d", bytes)
	}

	r.opt.ChunkSize = bytes

	return nil
}

// ExportIndex writes the current block map and window map to w in the
// format described by index.Export.
func (r *Reader) ExportIndex(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return index.Export(w, r.blocks, r.windows, index.ExportOptions{
		WindowCompression: r.opt.WindowCompression == WindowCompressionDeflate,
		StreamSize:        r.streamSize,
		StreamCRC32:       r.streamCRC32,
	})
}

// ImportIndex replaces the reader's block map and window map with the
// contents read from r, and finalizes the block finder with the imported
// offsets so subsequent reads require zero speculative decoding.
func (r *Reader) ImportIndex(src io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	imported, err := index.Import(src)
	if err != nil {
		return newError(KindIndexFormatError, 0, err)
	}

	r.fetcher.Wait()

	r.blocks = imported.BlockMap
	r.windows = imported.WindowMap

	offsets := xslices.Map(r.blocks.All(), func(rec index.Record) bitio.Offset { return rec.CompressedBit })
	if len(offsets) > 0 {
		r.finder.SetBlockOffsets(offsets)
	}

	r.fetcher = fetch.New(r.pool, r.finder, r.blocks, r.windows, r.decodeChunk, r.opt.Logger)
	r.chunkIndex = 0
	r.current = nil
	r.currentBytes = nil
	r.offsetInChunk = 0
	r.pos = 0
	r.memberCRC, r.memberSize = 0, 0
	r.streamCRC32, r.streamSize = imported.StreamCRC32, imported.StreamSize

	return nil
}

// Stats returns a snapshot of internal bookkeeping for diagnostics.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		BlockCount:     r.blocks.Len(),
		IsBGZF:         r.finder.IsBGZF(),
		PoolSize:       r.pool.Size(),
		PendingTasks:   r.pool.Pending(),
		DecompressedAt: r.pos,
		Fetcher:        r.fetcher.Stats(),
	}
}

// Close releases the worker pool and, if an auto-index path is
// configured, persists the current block map and window map to it.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	err := r.pool.Close()
	r.fetcher.Wait()

	if r.opt.AutoIndexPath != "" {
		if saveErr := index.SaveFile(r.opt.AutoIndexPath, r.blocks, r.windows, index.ExportOptions{
			WindowCompression: r.opt.WindowCompression == WindowCompressionDeflate,
			StreamSize:        r.streamSize,
			StreamCRC32:       r.streamCRC32,
		}); saveErr != nil {
			r.opt.Logger.Warn("failed to persist index on close", zap.Error(saveErr))
		}
	}

	return err
}
