// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crc32combine_test

import (
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Vadiml1024/pragzip/internal/crc32combine"
)

func TestCombineMatchesDirectComputation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		a := make([]byte, rng.Intn(4096))
		b := make([]byte, rng.Intn(4096))
		rng.Read(a)
		rng.Read(b)

		want := crc32.ChecksumIEEE(append(append([]byte{}, a...), b...))

		crcA := crc32.ChecksumIEEE(a)
		crcB := crc32.ChecksumIEEE(b)

		got := crc32combine.Combine(crcA, crcB, int64(len(b)))

		assert.Equal(t, want, got)
	}
}

func TestCombineWithEmptySecondSequence(t *testing.T) {
	t.Parallel()

	crcA := crc32.ChecksumIEEE([]byte("hello"))

	got := crc32combine.Combine(crcA, crc32.ChecksumIEEE(nil), 0)
	assert.Equal(t, crcA, got)
}
