// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inflate_test

import (
	"bytes"
	stdflate "compress/flate"
	"hash/crc32"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/inflate"
)

func rawDeflate(t *testing.T, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)

	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestDecodeMatchesStandardLibraryOutput(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	data := rawDeflate(t, payload)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	chunk, err := inflate.Decode(br, inflate.Options{})
	require.NoError(t, err)
	require.NoError(t, chunk.Resolve(nil))

	assert.True(t, chunk.FinalBlock)
	assert.Equal(t, payload, chunk.Bytes())
	assert.Equal(t, crc32.ChecksumIEEE(payload), chunk.CRC32)

	// Cross-check against the standard library's own inflater as a second
	// independent oracle.
	r := stdflate.NewReader(bytes.NewReader(data))
	defer r.Close()

	want, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want, chunk.Bytes())
}

func TestDecodeStoredBlockRoundTrip(t *testing.T) {
	t.Parallel()

	// Stored blocks are rarely chosen by an encoder for compressible
	// input, so build the raw bitstream by hand instead.
	payload := []byte("hello stored block")
	length := uint16(len(payload))
	nlen := ^length

	raw := []byte{0x01} // BFINAL=1, BTYPE=00
	raw = append(raw, byte(length), byte(length>>8), byte(nlen), byte(nlen>>8))
	raw = append(raw, payload...)

	br := bitio.NewReader(bytes.NewReader(raw), int64(len(raw)))

	chunk, err := inflate.Decode(br, inflate.Options{})
	require.NoError(t, err)
	require.NoError(t, chunk.Resolve(nil))

	assert.True(t, chunk.FinalBlock)
	assert.Equal(t, payload, chunk.Bytes())
}

func TestDecodeStopsAtSoftSizeLimitOnBlockBoundary(t *testing.T) {
	t.Parallel()

	// Two independent stored blocks back to back, the first non-final.
	first := []byte("first-block-payload-1234")
	second := []byte("second-block-payload-5678")

	buildStored := func(final bool, payload []byte) []byte {
		var b byte
		if final {
			b = 1
		}

		length := uint16(len(payload))
		nlen := ^length

		out := []byte{b}
		out = append(out, byte(length), byte(length>>8), byte(nlen), byte(nlen>>8))

		return append(out, payload...)
	}

	data := append(buildStored(false, first), buildStored(true, second)...)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	chunk, err := inflate.Decode(br, inflate.Options{SoftSizeLimit: 1})
	require.NoError(t, err)

	assert.False(t, chunk.FinalBlock)
	require.NoError(t, chunk.Resolve(nil))
	assert.Equal(t, first, chunk.Bytes())
}

func TestResolveFailsWhenWindowTooShortForMarker(t *testing.T) {
	t.Parallel()

	// A long, tightly repetitive payload so the compressor's sliding
	// window carries matches across block boundaries: decoding the
	// second block on its own (as random access does) then references
	// bytes the first block produced, which is exactly what markers
	// exist to represent.
	payload := bytes.Repeat([]byte("abcdefgh"), 8000)
	data := rawDeflate(t, payload)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	first, err := inflate.Decode(br, inflate.Options{SoftSizeLimit: 1})
	require.NoError(t, err)
	require.False(t, first.FinalBlock)

	second, err := inflate.Decode(br, inflate.Options{})
	require.NoError(t, err)

	sawMarker := false

	for _, v := range second.Data {
		if v >= 256 {
			sawMarker = true

			break
		}
	}

	require.True(t, sawMarker, "expected the second chunk to reference bytes from the first")

	err = second.Resolve(nil) // no preceding window supplied at all
	require.Error(t, err)

	var ierr *inflate.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, inflate.FailureData, ierr.Kind)
	assert.ErrorIs(t, err, inflate.ErrDistanceTooFar)

	// Supplying the true preceding window resolves the same chunk cleanly.
	require.NoError(t, first.Resolve(nil))
	require.NoError(t, second.Resolve(first.ExitWindow))
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	payload := []byte("resolve me twice, get the same answer both times")
	data := rawDeflate(t, payload)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	chunk, err := inflate.Decode(br, inflate.Options{})
	require.NoError(t, err)

	require.NoError(t, chunk.Resolve(nil))
	first := append([]byte(nil), chunk.Bytes()...)
	firstCRC := chunk.CRC32

	require.NoError(t, chunk.Resolve(nil))
	assert.Equal(t, first, chunk.Bytes())
	assert.Equal(t, firstCRC, chunk.CRC32)
}

func TestBytesPanicsBeforeResolve(t *testing.T) {
	t.Parallel()

	payload := []byte("unresolved")
	data := rawDeflate(t, payload)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	chunk, err := inflate.Decode(br, inflate.Options{})
	require.NoError(t, err)

	assert.Panics(t, func() { chunk.Bytes() })
}
