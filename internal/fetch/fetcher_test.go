// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package fetch_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/blockfind"
	"github.com/Vadiml1024/pragzip/internal/fetch"
	"github.com/Vadiml1024/pragzip/internal/index"
	"github.com/Vadiml1024/pragzip/internal/inflate"
	"github.com/Vadiml1024/pragzip/internal/pool"
)

// recordingDecoder produces deterministic, distinguishable chunk content
// keyed by startBit, and counts how many times each offset was actually
// decoded so tests can assert on cache behavior.
type recordingDecoder struct {
	mu    sync.Mutex
	calls map[bitio.Offset]int
	seen  map[bitio.Offset][]byte // preceding window observed on first decode
}

func newRecordingDecoder() *recordingDecoder {
	return &recordingDecoder{calls: map[bitio.Offset]int{}, seen: map[bitio.Offset][]byte{}}
}

func (d *recordingDecoder) decode(_ context.Context, startBit bitio.Offset, _ bool, window []byte) (*fetch.Result, error) {
	d.mu.Lock()
	d.calls[startBit]++
	if _, ok := d.seen[startBit]; !ok {
		d.seen[startBit] = append([]byte(nil), window...)
	}
	d.mu.Unlock()

	body := []byte(fmt.Sprintf("chunk@%d", startBit))

	return &fetch.Result{
		Chunk:      &inflate.Chunk{StartBit: startBit, Size: uint64(len(body)), Resolved: true},
		StartBit:   startBit,
		ExitWindow: body,
	}, nil
}

func (d *recordingDecoder) count(startBit bitio.Offset) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[startBit]
}

func newTestFinder(t *testing.T, offsets []bitio.Offset) *blockfind.Finder {
	t.Helper()

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	_, err := w.Write(bytes.Repeat([]byte{'a'}, 256))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data := buf.Bytes()

	f, err := blockfind.New(bytes.NewReader(data), int64(len(data)), blockfind.MinSpacingBits/8, 1)
	require.NoError(t, err)

	f.SetBlockOffsets(offsets)

	return f
}

func newTestFetcher(t *testing.T, offsets []bitio.Offset, dec *recordingDecoder) (*fetch.Fetcher, *pool.Pool) {
	t.Helper()

	p := pool.New(2, zap.NewNop())
	finder := newTestFinder(t, offsets)
	blocks := index.NewBlockMap()
	windows := index.NewWindowMap(false, 0)

	f := fetch.New(p, finder, blocks, windows, dec.decode, zap.NewNop())

	return f, p
}

func TestGetDecodesFirstChunkWithNoPrecedingWindow(t *testing.T) {
	t.Parallel()

	dec := newRecordingDecoder()
	f, p := newTestFetcher(t, []bitio.Offset{0, 800, 1600}, dec)
	defer func() { require.NoError(t, p.Close()); f.Wait() }()

	res, err := f.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.StartBit)
	assert.EqualValues(t, 0, res.StartByte)

	dec.mu.Lock()
	window := dec.seen[0]
	dec.mu.Unlock()
	assert.Empty(t, window)
}

func TestGetStitchesPrecedingWindowFromPriorChunk(t *testing.T) {
	t.Parallel()

	dec := newRecordingDecoder()
	f, p := newTestFetcher(t, []bitio.Offset{0, 800, 1600}, dec)
	defer func() { require.NoError(t, p.Close()); f.Wait() }()

	ctx := context.Background()

	first, err := f.Get(ctx, 0)
	require.NoError(t, err)

	second, err := f.Get(ctx, 1)
	require.NoError(t, err)

	assert.EqualValues(t, 800, second.StartBit)
	assert.Equal(t, first.StartByte+first.Chunk.Size, second.StartByte)

	dec.mu.Lock()
	window := dec.seen[800]
	dec.mu.Unlock()
	assert.Equal(t, first.ExitWindow, window)
}

func TestGetServesRepeatedRequestFromCacheWithoutRedecoding(t *testing.T) {
	t.Parallel()

	dec := newRecordingDecoder()
	f, p := newTestFetcher(t, []bitio.Offset{0, 800, 1600}, dec)
	defer func() { require.NoError(t, p.Close()); f.Wait() }()

	ctx := context.Background()

	_, err := f.Get(ctx, 0)
	require.NoError(t, err)

	require.Equal(t, 1, dec.count(0))

	_, err = f.Get(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, dec.count(0), "second Get for the same index must not trigger another decode")
}

func TestGetReturnsErrOutOfRangeBeyondFinalizedRange(t *testing.T) {
	t.Parallel()

	dec := newRecordingDecoder()
	f, p := newTestFetcher(t, []bitio.Offset{0, 800, 1600}, dec)
	defer func() { require.NoError(t, p.Close()); f.Wait() }()

	_, err := f.Get(context.Background(), 100)
	assert.ErrorIs(t, err, fetch.ErrOutOfRange)
}

func TestStatsReflectsDecodedChunkCount(t *testing.T) {
	t.Parallel()

	dec := newRecordingDecoder()
	f, p := newTestFetcher(t, []bitio.Offset{0, 800, 1600}, dec)
	defer func() { require.NoError(t, p.Close()); f.Wait() }()

	_, err := f.Get(context.Background(), 0)
	require.NoError(t, err)

	stats := f.Stats()
	assert.GreaterOrEqual(t, stats.DecodedTotal, int64(1))
}
