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
	"go.uber.org/zap"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewPool(2, 8, zap.NewNop())
	pool.Start(context.Background())

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := pool.Submit(Task{
			UploadID: "u1",
			Run: func(ctx context.Context) error {
				defer wg.Done()
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	wg.Wait()
	pool.Close()
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestSubmitReturnsErrQueueFull(t *testing.T) {
	// One worker blocked on a task, queue of one
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	// Fills the queue slot
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context) error { return nil }}))

	err := pool.Submit(Task{Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrQueueFull)

	close(block)
	pool.Close()
}

func TestTaskErrorDoesNotStopWorkers(t *testing.T) {
	pool := NewPool(1, 8, zap.NewNop())
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(Task{
		UploadID: "bad",
		Run:      func(ctx context.Context) error { return errors.New("transfer failed") },
	}))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after a failing task")
	}

	pool.Close()
}

func TestCloseWaitsForInFlightTasks(t *testing.T) {
	pool := NewPool(1, 8, zap.NewNop())
	pool.Start(context.Background())

	var finished int32
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return nil
	}}))

	pool.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestCloseIsIdempotent(t *testing.T) {
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())

	assert.NotPanics(t, func() {
		pool.Close()
		pool.Close()
	})
}
