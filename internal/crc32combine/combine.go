// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crc32combine implements the standard GF(2) polynomial
// "shift-by-n" technique for combining two IEEE CRC-32 values without
// re-reading the underlying data, so that per-chunk CRCs can be folded
// into a stream-level CRC using only each chunk's length.
//
// This is treated as a pure combinator, per the spec's carve-out for
// CRC-32: it operates purely on 32-bit integers using the IEEE polynomial
// already defined by the standard library's hash/crc32 package, so no
// third-party dependency is a better fit than this self-contained routine
// (see DESIGN.md).
package crc32combine

const ieeePoly uint32 = 0xEDB88320

const gf2Dim = 32

func gf2MatrixTimes(mat *[gf2Dim]uint32, vec uint32) uint32 {
	var sum uint32

	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}

		vec >>= 1
	}

	return sum
}

func gf2MatrixSquare(square, mat *[gf2Dim]uint32) {
	for n := range mat {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// Combine returns the CRC-32 (IEEE) of the concatenation of two byte
// sequences A and B, given crcA = CRC32(A), crcB = CRC32(B), and the
// length of B in bytes, without needing to touch either sequence's bytes.
//
// Grounded on the classic zlib crc32_combine bit-matrix-squaring
// technique: build the linear operator that advances a CRC across lenB
// zero bytes, apply it to crcA, then XOR in crcB.
func Combine(crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}

	var even, odd [gf2Dim]uint32

	// Operator for one zero bit.
	odd[0] = ieeePoly

	row := uint32(1)
	for n := 1; n < gf2Dim; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // two zero bits
	gf2MatrixSquare(&odd, &even) // four zero bits

	crc1 := crcA
	length := lenB

	for {
		// First squaring inside the loop advances four zero bits to
		// eight (one zero byte), establishing "byte" as the unit that
		// length is subsequently shifted through.
		gf2MatrixSquare(&even, &odd)

		if length&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}

		length >>= 1

		if length == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)

		if length&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}

		length >>= 1

		if length == 0 {
			break
		}
	}

	return crc1 ^ crcB
}
