// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package huffman

// NumPrecodeSymbols is the size of the precode alphabet (RFC 1951 3.2.7).
const NumPrecodeSymbols = 19

// PrecodeCodeLengthOrder is the order in which the 19 precode code lengths
// appear in a dynamic DEFLATE block header.
var PrecodeCodeLengthOrder = [NumPrecodeSymbols]int{
	16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15,
}

// PrecodeHistogram counts, per code length 1..7 (precode lengths are 3-bit
// values, i.e. 0..7; a length of 0 means "unused" and is not counted), how
// many of the 19 precode symbols use that length.
//
// This is the "combined histogram" the two-stage lookup filter builds
// before consulting the validity table.
type PrecodeHistogram [8]uint8

// chunkSize is the number of 3-bit precode lengths packed per table-A
// lookup, matching the "five chunks of four codes" split from the design.
const chunkSize = 4

// histogramChunkLUT[chunk] is the histogram contributed by one 4-code
// (12-bit) chunk, built once at init as the spec's two-stage lookup
// prescribes. It replaces the original's hand-packed 29-bit overflow
// encoding with plain per-length counters: this module targets a
// runtime-generic table (a documented Open Question resolution, see
// DESIGN.md), not the bit-packed compile-time LUT the spec calls out as
// an optimisation rather than a requirement.
var histogramChunkLUT [1 << 12]PrecodeHistogram

func init() {
	for chunk := 0; chunk < len(histogramChunkLUT); chunk++ {
		var h PrecodeHistogram

		for i := 0; i < chunkSize; i++ {
			v := (chunk >> (3 * i)) & 0x7
			if v > 0 {
				h[v]++
			}
		}

		histogramChunkLUT[chunk] = h
	}
}

// validPrecodeHistograms is populated at init with every histogram that
// corresponds to a complete, non-bloating canonical Huffman tree over the
// 19-symbol precode alphabet (including the degenerate single-symbol
// case). It is the "2^24-bit validity bitmap" from the design, represented
// as a Go map keyed by the packed histogram since we no longer need the
// dense 24-bit encoding once each count gets its own byte.
var validPrecodeHistograms = buildValidHistogramSet()

func packHistogram(h PrecodeHistogram) uint64 {
	var key uint64
	for i := 1; i <= 7; i++ {
		key = key<<5 | uint64(h[i])
	}

	return key
}

func buildValidHistogramSet() map[uint64]struct{} {
	set := make(map[uint64]struct{})

	// Enumerate every combination of counts (n1..n7) with n1+...+n7 <= 19
	// and check the Kraft-McMillan equality/inequality exactly as Build
	// does, so QuickReject and Build agree on what is valid.
	var counts [8]int

	var recurse func(length int, remaining int)
	recurse = func(length int, remaining int) {
		if length > 7 {
			total := 0
			for l := 1; l <= 7; l++ {
				total += counts[l]
			}

			if total == 0 {
				return
			}

			left := 1
			ok := true

			for l := 1; l <= 7; l++ {
				left <<= 1
				left -= counts[l]

				if left < 0 {
					ok = false

					break
				}
			}

			if !ok {
				return
			}

			if total > 1 && left != 0 {
				return
			}

			var h PrecodeHistogram
			for l := 1; l <= 7; l++ {
				h[l] = uint8(counts[l])
			}

			set[packHistogram(h)] = struct{}{}

			return
		}

		for n := 0; n <= remaining; n++ {
			counts[length] = n
			recurse(length+1, remaining-n)
		}

		counts[length] = 0
	}

	recurse(1, NumPrecodeSymbols)

	return set
}

// QuickRejectPrecode implements the block finder's fast, ~10ns rejection
// filter: split the 57 precode length bits into chunks, sum the partial
// histograms built by the table above, and check the combined histogram
// against the precomputed set of valid canonical-tree histograms.
//
// It returns true for combinations that are definitely invalid; a false
// return means the candidate survives the filter and must be run through
// Build (and the rest of the block header) to be trusted.
func QuickRejectPrecode(lengths [NumPrecodeSymbols]uint8) bool {
	var combined PrecodeHistogram

	for base := 0; base < NumPrecodeSymbols; base += chunkSize {
		chunk := 0

		for i := 0; i < chunkSize; i++ {
			idx := base + i

			var v uint8
			if idx < NumPrecodeSymbols {
				v = lengths[idx]
			}

			chunk |= int(v&0x7) << (3 * i)
		}

		part := histogramChunkLUT[chunk]

		for l := 1; l <= 7; l++ {
			sum := int(combined[l]) + int(part[l])
			if sum > NumPrecodeSymbols {
				// Overflow of a single length's count: definitely invalid.
				return true
			}

			combined[l] = uint8(sum)
		}
	}

	_, valid := validPrecodeHistograms[packHistogram(combined)]

	return !valid
}
