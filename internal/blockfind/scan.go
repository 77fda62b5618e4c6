// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blockfind

import (
	"errors"

	"github.com/Vadiml1024/pragzip/internal/bitio"
	"github.com/Vadiml1024/pragzip/internal/huffman"
)

// ErrNoCandidate is returned by ScanForBlockHeader when no plausible block
// header was found before endBit.
var ErrNoCandidate = errors.New("blockfind: no block header candidate found in range")

// blockTypeStored, blockTypeFixed, blockTypeDynamic, blockTypeReserved are
// the two-bit BTYPE values from RFC 1951 3.2.3.
const (
	blockTypeStored = iota
	blockTypeFixed
	blockTypeDynamic
	blockTypeReserved
)

// ScanForBlockHeader searches [startBit, endBit) for the first bit offset
// that looks like the start of a real DEFLATE block header, using
// progressively more expensive checks per candidate: a cheap 3-bit
// BFINAL/BTYPE read, then a byte-aligned LEN/NLEN complement check for
// stored blocks, or the precode quick-reject filter for dynamic blocks.
// Fixed-Huffman candidates carry no further header bits to validate and
// are accepted on the BTYPE match alone; their correctness is ultimately
// established by whether the resulting chunk decodes cleanly.
//
// It does not guarantee the returned offset is a genuine block start
// (false positives are possible, especially for fixed blocks); callers
// must confirm by successfully decoding from the offset.
func ScanForBlockHeader(br *bitio.Reader, startBit, endBit uint64) (uint64, error) {
	for bit := startBit; bit < endBit; bit++ {
		if err := br.Seek(bit); err != nil {
			return 0, err
		}

		header, err := br.Peek(3)
		if err != nil {
			return 0, ErrNoCandidate
		}

		btype := (header >> 1) & 0x3

		switch btype {
		case blockTypeStored:
			if checkStoredBlock(br, bit) {
				return bit, nil
			}
		case blockTypeFixed:
			return bit, nil
		case blockTypeDynamic:
			if checkDynamicBlock(br, bit) {
				return bit, nil
			}
		case blockTypeReserved:
			// Definitely not a block header; skip immediately.
		}
	}

	return 0, ErrNoCandidate
}

// checkStoredBlock implements the cheap 5-byte check for a stored block: a
// byte-aligned header requires the compressed bit position (3 bits after
// bit) round up to a byte boundary, followed by a 16-bit LEN and its
// one's-complement NLEN.
func checkStoredBlock(br *bitio.Reader, bit uint64) bool {
	if err := br.Seek(bit + 3); err != nil {
		return false
	}

	padBits := (8 - (bit+3)%8) % 8
	if padBits > 0 {
		if _, err := br.Read(uint8(padBits)); err != nil {
			return false
		}
	}

	lenNlen, err := br.Read(32)
	if err != nil {
		return false
	}

	length := uint16(lenNlen & 0xffff)
	nlen := uint16((lenNlen >> 16) & 0xffff)

	return nlen == ^length
}

// checkDynamicBlock reads a dynamic block's HLIT/HDIST/HCLEN fields and
// the 19 precode code lengths, then runs them through the Huffman
// package's quick-reject filter before committing to the far more
// expensive full tree construction and payload decode.
func checkDynamicBlock(br *bitio.Reader, bit uint64) bool {
	if err := br.Seek(bit + 3); err != nil {
		return false
	}

	if _, err := br.Read(5); err != nil { // HLIT
		return false
	}

	if _, err := br.Read(5); err != nil { // HDIST
		return false
	}

	hclen, err := br.Read(4)
	if err != nil {
		return false
	}

	numPrecodeLengths := int(hclen) + 4

	var lengths [huffman.NumPrecodeSymbols]uint8

	for i := 0; i < numPrecodeLengths; i++ {
		v, err := br.Read(3)
		if err != nil {
			return false
		}

		lengths[huffman.PrecodeCodeLengthOrder[i]] = uint8(v)
	}

	return !huffman.QuickRejectPrecode(lengths)
}
