// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blockfind_test

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/blockfind"
)

// storedBlock builds a raw DEFLATE stored block: 3-bit BFINAL/BTYPE header,
// pad to the next byte, then LEN/NLEN/data as RFC 1951 3.2.4 requires.
func storedBlock(final bool, payload []byte) []byte {
	var bfinal byte
	if final {
		bfinal = 1
	}

	// header bits: BFINAL then BTYPE=00, LSB-first, packed into bit 0/1/2
	// of the first byte; the rest of that byte is padding.
	header := bfinal

	length := uint16(len(payload))
	nlen := ^length

	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, header)
	buf = append(buf, byte(length), byte(length>>8))
	buf = append(buf, byte(nlen), byte(nlen>>8))
	buf = append(buf, payload...)

	return buf
}

func TestScanForBlockHeaderFindsStoredBlockAtByteAlignedOffset(t *testing.T) {
	t.Parallel()

	data := storedBlock(true, []byte("hello, stored block"))

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	bit, err := blockfind.ScanForBlockHeader(br, 0, uint64(len(data))*8)
	require.NoError(t, err)
	assert.EqualValues(t, 0, bit)
}

func TestScanForBlockHeaderRejectsStoredBlockWithMismatchedNlen(t *testing.T) {
	t.Parallel()

	// BTYPE=00 (stored) but LEN/NLEN don't complement each other: the
	// cheap header match is not enough, the length check must reject it.
	data := []byte{0x00, 0x11, 0x11, 0x22, 0x22}

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	_, err := blockfind.ScanForBlockHeader(br, 0, 3)
	assert.ErrorIs(t, err, blockfind.ErrNoCandidate)
}

func TestScanForBlockHeaderReturnsErrNoCandidateWhenRangeExhausted(t *testing.T) {
	t.Parallel()

	// All-ones bytes: every 3-bit header reads 0b111, i.e. the reserved
	// BTYPE=11, which never passes a stored, fixed or dynamic check.
	data := bytes.Repeat([]byte{0xFF}, 8)

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	_, err := blockfind.ScanForBlockHeader(br, 0, 8)
	assert.ErrorIs(t, err, blockfind.ErrNoCandidate)
}

func TestScanForBlockHeaderFindsRealCompressedStreamAtItsTrueStart(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)

	// Varied enough content that klauspost/compress reaches for a
	// dynamic or fixed Huffman block rather than a stored one.
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog 0123456789"), 40)

	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data := buf.Bytes()

	br := bitio.NewReader(bytes.NewReader(data), int64(len(data)))

	bit, err := blockfind.ScanForBlockHeader(br, 0, 64)
	require.NoError(t, err)
	assert.EqualValues(t, 0, bit)
}
