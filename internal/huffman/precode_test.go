// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package huffman_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Vadiml1024/pragzip/internal/huffman"
)

func TestQuickRejectPrecodeAcceptsSingleSymbolTree(t *testing.T) {
	t.Parallel()

	var lengths [huffman.NumPrecodeSymbols]uint8
	lengths[0] = 1

	assert.False(t, huffman.QuickRejectPrecode(lengths))
}

func TestQuickRejectPrecodeRejectsOversubscribedHistogram(t *testing.T) {
	t.Parallel()

	var lengths [huffman.NumPrecodeSymbols]uint8
	lengths[0] = 1
	lengths[1] = 1
	lengths[2] = 1

	assert.True(t, huffman.QuickRejectPrecode(lengths))
}

func TestQuickRejectPrecodeRejectsAllZero(t *testing.T) {
	t.Parallel()

	var lengths [huffman.NumPrecodeSymbols]uint8

	assert.True(t, huffman.QuickRejectPrecode(lengths))
}

func TestQuickRejectPrecodeAgreesWithBuildOnTwoSymbolValidTree(t *testing.T) {
	t.Parallel()

	// Two length-1 symbols exactly fill the code space: complete, valid.
	var lengths [huffman.NumPrecodeSymbols]uint8
	lengths[0] = 1
	lengths[1] = 1

	rejected := huffman.QuickRejectPrecode(lengths)

	full := make([]int, huffman.NumPrecodeSymbols)
	for i, l := range lengths {
		full[i] = int(l)
	}

	_, err := huffman.Build(full)

	assert.False(t, rejected)
	assert.NoError(t, err)
}
