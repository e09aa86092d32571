package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	id   int
	fail bool
}

func TestNewPoolDefaults(t *testing.T) {
	processor := func(context.Context, delivery) error { return nil }

	pool := NewPool(0, 0, processor)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool = NewPool(3, 50, processor)
	assert.Equal(t, 3, pool.workers)
	assert.Equal(t, 50, pool.queueSize)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[delivery](5, 100, nil)
	})
}

func TestPoolProcessesAllWork(t *testing.T) {
	var processed int64
	var failed int64

	pool := NewPool(4, 100, func(_ context.Context, d delivery) error {
		atomic.AddInt64(&processed, 1)
		if d.fail {
			atomic.AddInt64(&failed, 1)
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(delivery{id: i, fail: i%5 == 0}))
	}

	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(20), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(4), atomic.LoadInt64(&failed))

	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Processed)
	assert.Equal(t, int64(4), stats.Failed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 10, func(context.Context, delivery) error { return nil })

	err := pool.Submit(delivery{id: 1})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestSubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ delivery) error {
		<-block
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(block)
		_ = pool.Stop(time.Second)
	}()

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(delivery{id: 1}))
	require.Eventually(t, func() bool {
		return pool.Submit(delivery{id: 2}) == nil
	}, time.Second, 5*time.Millisecond)

	err := pool.Submit(delivery{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestStartTwice(t *testing.T) {
	pool := NewPool(1, 10, func(context.Context, delivery) error { return nil })

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopIdempotent(t *testing.T) {
	pool := NewPool(1, 10, func(context.Context, delivery) error { return nil })

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool := NewPool(2, 100, func(_ context.Context, d delivery) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[d.id] = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(delivery{id: i}))
	}
	require.NoError(t, pool.Stop(10*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 10, func(context.Context, delivery) error { return nil })

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	assert.ErrorIs(t, pool.Submit(delivery{id: 1}), ErrPoolStopped)
}
