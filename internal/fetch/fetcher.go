// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fetch implements the parallel chunk fetcher: on-demand plus
// speculative prefetch caches over a fixed worker pool, with in-flight
// deduplication, access-pattern-driven prefetching, and marker-chain
// stitching so out-of-order chunk decodes still resolve correctly.
//
// Grounded on the teacher's Buffer (circular.go), generalised from a
// single rolling byte window to a keyed cache of independently decoded
// chunks: the on-demand/prefetch cache split, the owner-thread-only cache
// access contract, and the persistence-style "recompute derived state
// after mutation" pattern all descend from it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/blockfind"
	"github.com/Vadiml1024/pragzip/internal/index"
	"github.com/Vadiml1024/pragzip/internal/inflate"
	"github.com/Vadiml1024/pragzip/internal/lru"
	"github.com/Vadiml1024/pragzip/internal/pool"
	"github.com/Vadiml1024/pragzip/internal/predict"
)

// ErrOutOfRange is returned when a requested chunk index lies beyond the
// end of the compressed stream, signalling true end-of-stream rather than
// a decode failure.
var ErrOutOfRange = errors.New("fetch: chunk index is out of range")

// Result is a fully decoded, marker-resolved chunk plus the location
// information needed to place it in the block map.
type Result struct {
	Chunk      *inflate.Chunk
	StartBit   uint64
	StartByte  uint64
	Index      int64
	ExitWindow []byte

	// NextStart is the confirmed bit offset at which the following chunk
	// (Index+1) begins: ordinarily Chunk.EndBit, but when this chunk ended a
	// gzip member (Chunk.FinalBlock), the Decoder skips the member's 8-byte
	// trailer and the next member's header to land on its first DEFLATE
	// block, since Chunk.EndBit itself is not a valid decode start.
	NextStart uint64

	// HasTrailer is true when this chunk ended a gzip member (Chunk.FinalBlock)
	// and its 8-byte CRC32+ISIZE trailer was read successfully; TrailerCRC32
	// and TrailerISIZE are only meaningful when it is set.
	HasTrailer   bool
	TrailerCRC32 uint32
	TrailerISIZE uint32
}

// Decoder produces a Result for the chunk at the given bit offset, given
// the window of decompressed bytes that precede it (nil/empty at stream
// or member start). confirmed reports whether startBit is already a
// proven block start; when false, the Decoder must locate the real
// header at or after startBit itself (e.g. via blockfind.ScanForBlockHeader)
// before decoding. It must be idempotent and safe to call concurrently
// with itself for different offsets.
type Decoder func(ctx context.Context, startBit bitio.Offset, confirmed bool, precedingWindow []byte) (*Result, error)

// Fetcher coordinates prefetching, caching, and stitching of decoded
// chunks, following the two-cache design of spec.md §4.10.
type Fetcher struct {
	logger  *zap.Logger
	pool    *pool.Pool
	finder  *blockfind.Finder
	blocks  *index.BlockMap
	windows *index.WindowMap
	decode  Decoder

	predictor *predict.Predictor

	mu        sync.Mutex
	onDemand  *lru.Cache[int64, *Result]
	prefetch  *lru.Cache[int64, *Result]
	inFlight  map[int64]*pool.Future[*Result]
	prefetchN int

	decodedTotal   atomic.Int64
	prefetchIssued atomic.Int64
	prefetchUsed   atomic.Int64

	absorbers sync.WaitGroup
}

// Stats is a snapshot of a Fetcher's cache and prefetch bookkeeping,
// following the teacher's read-only accessor pattern (Buffer.TotalSize,
// Buffer.TotalCompressedSize) for observational, non-behavioral surface.
type Stats struct {
	OnDemand       lru.Stats
	Prefetch       lru.Stats
	DecodedTotal   int64
	PrefetchIssued int64
	PrefetchUsed   int64
}

// Wait blocks until every in-flight prefetch absorption goroutine has
// finished, so a caller can shut down its worker pool without leaking
// goroutines still waiting on a Future.
func (f *Fetcher) Wait() {
	f.absorbers.Wait()
}

// Stats returns a snapshot of the fetcher's current bookkeeping.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		OnDemand:       f.onDemand.Stats(),
		Prefetch:       f.prefetch.Stats(),
		DecodedTotal:   f.decodedTotal.Load(),
		PrefetchIssued: f.prefetchIssued.Load(),
		PrefetchUsed:   f.prefetchUsed.Load(),
	}
}

// New creates a Fetcher. The pool's size N sets the prefetch depth (up to
// N speculative chunks), the prefetch cache capacity (2N entries) and the
// on-demand cache capacity (max(16, N) entries).
func New(
	p *pool.Pool,
	finder *blockfind.Finder,
	blocks *index.BlockMap,
	windows *index.WindowMap,
	decode Decoder,
	logger *zap.Logger,
) *Fetcher {
	n := p.Size()
	if logger == nil {
		logger = zap.NewNop()
	}

	onDemandCap := n
	if onDemandCap < 16 {
		onDemandCap = 16
	}

	return &Fetcher{
		logger:    logger,
		pool:      p,
		finder:    finder,
		blocks:    blocks,
		windows:   windows,
		decode:    decode,
		predictor: predict.New(),
		onDemand:  lru.New[int64, *Result](onDemandCap),
		prefetch:  lru.New[int64, *Result](2 * n),
		inFlight:  make(map[int64]*pool.Future[*Result]),
		prefetchN: n,
	}
}

// Get returns the decoded chunk at index, blocking until it is available.
// It records the access with the predictor, serves from cache when
// possible, and otherwise submits (or joins) a high-priority decode
// before issuing speculative prefetches for chunks likely to follow.
func (f *Fetcher) Get(ctx context.Context, index int64) (*Result, error) {
	f.mu.Lock()

	f.predictor.Observe(index)
	sequential := f.predictor.Sequential()

	if sequential {
		// Sequential-read optimisation: the on-demand cache would otherwise
		// retain a growing tail of chunks nobody will re-request, applying
		// backpressure on the prefetch cache for no benefit.
		f.onDemand.Clear()
	}

	if r, ok := f.onDemand.Get(index); ok {
		f.mu.Unlock()

		return r, nil
	}

	if r, ok := f.prefetch.Get(index); ok {
		f.onDemand.Insert(index, r)
		f.prefetchUsed.Add(1)
		f.mu.Unlock()

		return r, nil
	}

	fut, ok := f.inFlight[index]
	if !ok {
		fut = f.submitLocked(ctx, index, pool.PriorityHigh)
	}

	f.schedulePrefetchLocked(ctx, index, sequential)
	f.mu.Unlock()

	r, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.onDemand.Insert(index, r)
	delete(f.inFlight, index)
	f.mu.Unlock()

	return r, nil
}

// submitLocked submits a decode for index at the given priority and
// registers it in the in-flight map, enforcing the at-most-one rule.
// Callers must hold f.mu.
func (f *Fetcher) submitLocked(ctx context.Context, chunkIndex int64, priority int) *pool.Future[*Result] {
	fut := pool.Submit(f.pool, priority, func() (*Result, error) {
		return f.decodeChain(ctx, chunkIndex)
	})
	f.inFlight[chunkIndex] = fut

	return fut
}

// decodeChain resolves the chunk's compressed start offset via the block
// finder, fetches its preceding window (decoding backwards through the
// marker chain if necessary), decodes it, and records its result in the
// block map and window map.
func (f *Fetcher) decodeChain(ctx context.Context, chunkIndex int64) (*Result, error) {
	startBit, confirmed, ok, err := f.finder.GetWithConfirmation(ctx, int(chunkIndex))
	if err != nil {
		return nil, fmt.Errorf("fetch: locate chunk %d: %w", chunkIndex, err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrOutOfRange, chunkIndex)
	}

	window, startByte, err := f.precedingState(ctx, chunkIndex, startBit)
	if err != nil {
		return nil, err
	}

	res, err := f.decode(ctx, startBit, confirmed, window)
	if err != nil {
		return nil, err
	}

	f.decodedTotal.Add(1)

	res.Index = chunkIndex
	res.StartByte = startByte

	// A chunk shorter than the window leaves its successor needing history
	// from before this chunk: extend the exit window with the tail of the
	// window this chunk was resolved against.
	if n := len(res.ExitWindow); n < inflate.WindowSize && len(window) > 0 {
		keep := min(len(window), inflate.WindowSize-n)
		res.ExitWindow = append(append(make([]byte, 0, keep+n), window[len(window)-keep:]...), res.ExitWindow...)
	}

	if !confirmed {
		_ = f.finder.Insert(res.StartBit)
	}

	// The chunk's own true end is the only reliable confirmed start for the
	// next index: the spacing grid only ever seeds a guess, and once this
	// chunk's real boundaries are known that guess must be superseded rather
	// than left to collide with data this decode already consumed.
	_ = f.finder.Insert(res.NextStart)

	if rec, ok := f.blocks.FindByBit(res.StartBit); !ok || rec.CompressedBit != res.StartBit {
		_ = f.blocks.Append(index.Record{
			CompressedBit:    res.StartBit,
			DecompressedByte: res.StartByte,
		})
	}

	if f.windows != nil {
		_ = f.windows.Put(res.StartBit, window)
	}

	return res, nil
}

// precedingState returns the window of decompressed bytes preceding
// startBit and the decompressed byte offset at which this chunk starts.
// Chunk 0 (or any offset already confirmed in the block map, e.g. from an
// imported index) is answered directly; otherwise the previous chunk is
// recursively fetched, which both stitches the marker chain and supplies
// the cumulative byte offset. A failure anywhere in the chain surfaces
// here; since decodeChain is idempotent, retrying the same index simply
// re-walks it.
func (f *Fetcher) precedingState(ctx context.Context, chunkIndex int64, startBit uint64) ([]byte, uint64, error) {
	if chunkIndex == 0 {
		return nil, 0, nil
	}

	if rec, ok := f.blocks.FindByBit(startBit); ok && rec.CompressedBit == startBit {
		if w, ok, err := f.windows.Get(startBit); err == nil && ok {
			return w, rec.DecompressedByte, nil
		}
	}

	prev, err := f.Get(ctx, chunkIndex-1)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: stitch chunk %d from predecessor: %w", chunkIndex, err)
	}

	return prev.ExitWindow, prev.StartByte + prev.Chunk.Size, nil
}

// schedulePrefetchLocked issues speculative decodes for the chunks the
// predictor expects next, skipping any that are already cached,
// in-flight, or whose prefetch would evict an entry the predictor still
// expects to be useful. Callers must hold f.mu.
func (f *Fetcher) schedulePrefetchLocked(ctx context.Context, index int64, sequential bool) {
	k := f.prefetchN
	if !sequential {
		k = min(k, 4)
	}

	for _, candidate := range f.predictor.Predict(k) {
		if candidate < 0 {
			continue
		}

		if f.onDemand.Test(candidate) || f.prefetch.Test(candidate) {
			continue
		}

		if _, inFlight := f.inFlight[candidate]; inFlight {
			continue
		}

		if f.wouldPolluteLocked(candidate) {
			continue
		}

		fut := f.submitLocked(ctx, candidate, pool.PriorityNormal)
		f.prefetchIssued.Add(1)

		f.absorbers.Add(1)

		go f.absorbPrefetch(candidate, fut)
	}
}

// wouldPolluteLocked reports whether inserting a new prefetch entry would
// evict a cache entry the predictor still expects to serve, implementing
// the "no cache pollution" guarantee.
func (f *Fetcher) wouldPolluteLocked(candidate int64) bool {
	if f.prefetch.Len() < 2*f.prefetchN {
		// The prefetch cache still has room: inserting evicts nothing.
		return false
	}

	evictee, ok := f.prefetch.NextNthEviction(0)
	if !ok {
		return false
	}

	for _, predicted := range f.predictor.Predict(f.prefetchN) {
		if predicted == evictee {
			return true
		}
	}

	return false
}

// absorbPrefetch waits for a background prefetch to finish and, on
// success, moves it into the prefetch cache; failures are logged and
// dropped rather than surfaced, per spec.md §7's propagation policy for
// prefetch failures.
func (f *Fetcher) absorbPrefetch(chunkIndex int64, fut *pool.Future[*Result]) {
	defer f.absorbers.Done()

	r, err := fut.Wait(context.Background())

	f.mu.Lock()
	delete(f.inFlight, chunkIndex)
	f.mu.Unlock()

	if err != nil {
		f.logger.Debug("prefetch failed, dropping", zap.Int64("chunk", chunkIndex), zap.Error(err))

		return
	}

	f.mu.Lock()
	f.prefetch.Insert(chunkIndex, r)
	f.mu.Unlock()
}
