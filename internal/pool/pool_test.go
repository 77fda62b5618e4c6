// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Vadiml1024/pragzip/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitReturnsResult(t *testing.T) {
	t.Parallel()

	p := pool.New(2, zap.NewNop())
	defer p.Close()

	fut := pool.Submit(p, pool.PriorityNormal, func() (int, error) {
		return 42, nil
	})

	v, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSubmitPropagatesError(t *testing.T) {
	t.Parallel()

	p := pool.New(1, zap.NewNop())
	defer p.Close()

	wantErr := errors.New("boom")

	fut := pool.Submit(p, pool.PriorityNormal, func() (int, error) {
		return 0, wantErr
	})

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestHighPriorityRunsBeforeNormal(t *testing.T) {
	t.Parallel()

	p := pool.New(1, zap.NewNop())
	defer p.Close()

	var order []int

	block := make(chan struct{})

	// Occupy the single worker so both subsequent submissions queue up
	// and their priority ordering is actually exercised.
	blocker := pool.Submit(p, pool.PriorityNormal, func() (int, error) {
		<-block

		return 0, nil
	})

	normalDone := make(chan struct{})
	highDone := make(chan struct{})

	pool.Submit(p, pool.PriorityNormal, func() (int, error) {
		order = append(order, 0)
		close(normalDone)

		return 0, nil
	})

	pool.Submit(p, pool.PriorityHigh, func() (int, error) {
		order = append(order, 1)
		close(highDone)

		return 0, nil
	})

	close(block)

	_, err := blocker.Wait(context.Background())
	require.NoError(t, err)

	<-highDone
	<-normalDone

	require.Len(t, order, 2)
	assert.Equal(t, 1, order[0])
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	t.Parallel()

	p := pool.New(2, zap.NewNop())

	var completed atomic.Int32

	futures := make([]*pool.Future[int], 0, 10)

	for i := 0; i < 10; i++ {
		futures = append(futures, pool.Submit(p, pool.PriorityNormal, func() (int, error) {
			completed.Add(1)

			return 0, nil
		}))
	}

	require.NoError(t, p.Close())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.EqualValues(t, 10, completed.Load())
}

func TestSubmitAfterCloseResolvesWithError(t *testing.T) {
	t.Parallel()

	p := pool.New(1, zap.NewNop())
	require.NoError(t, p.Close())

	fut := pool.Submit(p, pool.PriorityNormal, func() (int, error) {
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, pool.ErrClosed)
}
