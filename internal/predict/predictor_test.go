// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package predict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Vadiml1024/pragzip/internal/predict"
)

func TestSequentialDetection(t *testing.T) {
	t.Parallel()

	p := predict.New()

	for i := int64(0); i < 5; i++ {
		p.Observe(i)
	}

	assert.True(t, p.Sequential())
}

func TestRandomAccessIsNotSequential(t *testing.T) {
	t.Parallel()

	p := predict.New()

	for _, idx := range []int64{10, 3, 77, 1, 40} {
		p.Observe(idx)
	}

	assert.False(t, p.Sequential())
}

func TestPredictFollowsStride(t *testing.T) {
	t.Parallel()

	p := predict.New()

	for i := int64(0); i < 6; i += 2 {
		p.Observe(i)
	}

	predicted := p.Predict(3)
	assert.Equal(t, []int64{6, 8, 10}, predicted)
}

func TestPredictReturnsNilBeforeAnyObservation(t *testing.T) {
	t.Parallel()

	p := predict.New()
	assert.Nil(t, p.Predict(4))
}

func TestResetClearsHistory(t *testing.T) {
	t.Parallel()

	p := predict.New()

	for i := int64(0); i < 5; i++ {
		p.Observe(i)
	}

	p.Reset()

	assert.False(t, p.Sequential())
	assert.Nil(t, p.Predict(4))
}
