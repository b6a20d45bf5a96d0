package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolStopped is returned by Do after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job represents a task to be executed by a worker.
// It encapsulates the work and a channel to return the result.
type Job struct {
	Ctx      context.Context
	Fn       func(ctx context.Context) error
	ResultCh chan error
}

// WorkerPool runs password hashing and verification on a fixed number of
// goroutines. Each argon2 call allocates its own memory block, so the pool
// size bounds the memory used by concurrent registrations and logins.
type WorkerPool struct {
	numWorkers int
	jobQueue   chan Job
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool.
// numWorkers: the number of worker goroutines to spawn.
// queueSize: the size of the job queue.
func NewWorkerPool(numWorkers, queueSize int, logger *slog.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, queueSize),
		logger:     logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Info("Worker pool started", "num_workers", wp.numWorkers)
}

// Stop gracefully shuts down the worker pool.
// It closes the job queue and waits for all workers to finish their current jobs.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
	wp.logger.Info("Worker pool stopped")
}

// Do queues fn and waits for its result. A caller whose context ends while
// waiting gets ctx.Err(); fn may still run.
func (wp *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	job := Job{Ctx: ctx, Fn: fn, ResultCh: make(chan error, 1)}

	wp.mu.RLock()
	if wp.stopped {
		wp.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case wp.jobQueue <- job:
		wp.mu.RUnlock()
	case <-ctx.Done():
		wp.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.ResultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker is the main loop for a single worker goroutine.
// It continuously fetches jobs from the queue and processes them.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for job := range wp.jobQueue {
		if err := job.Ctx.Err(); err != nil {
			job.ResultCh <- err
			continue
		}
		job.ResultCh <- job.Fn(job.Ctx)
	}
	wp.logger.Debug("Worker exiting", "worker_id", id)
}
