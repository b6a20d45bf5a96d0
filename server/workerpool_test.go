package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsJobsAndReturnsErrors(t *testing.T) {
	wp := NewWorkerPool(2, 8, testLogger())
	wp.Start()
	defer wp.Stop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, wp.Do(context.Background(), func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int32(10), n.Load())

	boom := errors.New("boom")
	assert.ErrorIs(t, wp.Do(context.Background(), func(ctx context.Context) error { return boom }), boom)
}

func TestWorkerPool_CallerContextEnds(t *testing.T) {
	wp := NewWorkerPool(1, 1, testLogger())
	wp.Start()
	defer wp.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = wp.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := wp.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	wp := NewWorkerPool(0, 1, testLogger())
	wp.Start()
	wp.Stop()
	wp.Stop()
	assert.ErrorIs(t, wp.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolStopped)
}
