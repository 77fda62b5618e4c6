// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inflate

import "github.com/Vadiml1024/pragzip/internal/huffman"

// lengthBase and lengthExtra implement RFC 1951 table 3.2.5 for the
// length half of length/distance symbols 257..285.
var lengthBase = [29]uint16{
	3, 4, 5, 6, 7, 8, 9, 10, 11, 13,
	15, 17, 19, 23, 27, 31, 35, 43, 51, 59,
	67, 83, 99, 115, 131, 163, 195, 227, 258,
}

var lengthExtra = [29]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 1, 1,
	1, 1, 2, 2, 2, 2, 3, 3, 3, 3,
	4, 4, 4, 4, 5, 5, 5, 5, 0,
}

// distBase and distExtra implement RFC 1951 table 3.2.5 for distance
// symbols 0..29.
var distBase = [30]uint16{
	1, 2, 3, 4, 5, 7, 9, 13, 17, 25,
	33, 49, 65, 97, 129, 193, 257, 385, 513, 769,
	1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
}

var distExtra = [30]uint8{
	0, 0, 0, 0, 1, 1, 2, 2, 3, 3,
	4, 4, 5, 5, 6, 6, 7, 7, 8, 8,
	9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
}

// fixedLiteralTable and fixedDistanceTable are the RFC 1951 3.2.6 fixed
// Huffman tables, built once at package init.
var (
	fixedLiteralTable  *huffman.Table
	fixedDistanceTable *huffman.Table
)

func init() {
	litLens := make([]int, 288)
	for i := 0; i <= 143; i++ {
		litLens[i] = 8
	}

	for i := 144; i <= 255; i++ {
		litLens[i] = 9
	}

	for i := 256; i <= 279; i++ {
		litLens[i] = 7
	}

	for i := 280; i <= 287; i++ {
		litLens[i] = 8
	}

	t, err := huffman.Build(litLens)
	if err != nil {
		panic("inflate: invalid fixed literal/length table: " + err.Error())
	}

	fixedLiteralTable = t

	// RFC 1951 3.2.6 gives distance symbols 0-31 fixed 5-bit codes; 30 and
	// 31 never occur in valid data (decodeHuffman rejects them), but all 32
	// codes are needed for the tree to be complete.
	distLens := make([]int, 32)
	for i := range distLens {
		distLens[i] = 5
	}

	dt, err := huffman.Build(distLens)
	if err != nil {
		panic("inflate: invalid fixed distance table: " + err.Error())
	}

	fixedDistanceTable = dt
}
