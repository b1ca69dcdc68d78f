// Package inmem implements the queue contract on a buffered channel with
// dispatcher goroutines. Used by tests and single-process development; one
// dispatcher preserves strict job ordering.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/runtime/dialog/queue"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// DefaultBuffer is the job channel capacity.
const DefaultBuffer = 256

var (
	// ErrQueueClosed indicates an enqueue after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull indicates the job buffer is at capacity.
	ErrQueueFull = errors.New("queue full")
)

type (
	// Options configures the in-memory queue.
	Options struct {
		// Worker dispatches delivered jobs. Required.
		Worker *queue.Worker
		// Dispatchers is the number of consumer goroutines. Defaults to 1,
		// which serializes all jobs.
		Dispatchers int
		// Buffer is the job channel capacity. Defaults to DefaultBuffer.
		Buffer int
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Queue is the channel-backed queue.
	Queue struct {
		worker *queue.Worker
		logger telemetry.Logger
		jobs   chan queue.Job

		mu     sync.Mutex
		wg     sync.WaitGroup
		closed bool
	}
)

// New starts the dispatcher goroutines and returns the queue.
func New(opts Options) (*Queue, error) {
	if opts.Worker == nil {
		return nil, errors.New("inmem queue: worker is required")
	}
	if opts.Dispatchers <= 0 {
		opts.Dispatchers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	q := &Queue{
		worker: opts.Worker,
		logger: opts.Logger,
		jobs:   make(chan queue.Job, opts.Buffer),
	}
	for i := 0; i < opts.Dispatchers; i++ {
		q.wg.Add(1)
		go q.dispatch()
	}
	return q, nil
}

// Enqueue submits the job and returns its assigned id. Does not block: a
// full buffer is an error.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	id := uuid.NewString()
	select {
	case q.jobs <- job:
		return id, nil
	default:
		return "", ErrQueueFull
	}
}

// Close stops accepting jobs, drains the buffer and waits for dispatchers.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for job := range q.jobs {
		ctx := context.Background()
		if err := q.worker.Dispatch(ctx, job); err != nil {
			q.logger.Error(ctx, "job failed", "job", job.Name, "dialog", job.DialogID, "err", err.Error())
		}
	}
}
