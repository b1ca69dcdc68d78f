// Package pulse implements the queue contract on a goa.design/pulse worker
// pool. Jobs are dispatched under the key <name>/<dialog_id>/<job_id>;
// the pool routes each key to exactly one worker, and re-delivery after a
// worker loss is safe because the engine resumes from the last committed
// step index.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"

	"github.com/parleyhq/parley/runtime/dialog/queue"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// DefaultPoolName is the pool shared by a deployment's workers.
const DefaultPoolName = "parley-jobs"

type (
	// Options configures the pulse queue.
	Options struct {
		// Redis backs the pool. Required.
		Redis *redis.Client
		// PoolName defaults to DefaultPoolName. All processes of one
		// deployment must use the same name.
		PoolName string
		// Worker, when set, registers this process as a job consumer.
		// Producer-only processes leave it nil.
		Worker *queue.Worker
		// NodeOptions are passed through to pool.AddNode.
		NodeOptions []pool.NodeOption
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Queue is the pool-backed queue node.
	Queue struct {
		node   *pool.Node
		logger telemetry.Logger
	}

	// runner adapts the worker mux to the pool's job handler contract.
	// Start launches the job and stops it on completion; jobs are
	// one-shot, not long-running services.
	runner struct {
		node   *pool.Node
		worker *queue.Worker
		logger telemetry.Logger
	}
)

// New joins the pool and, when a worker mux is given, registers a consumer.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse queue: redis client is required")
	}
	if opts.PoolName == "" {
		opts.PoolName = DefaultPoolName
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	node, err := pool.AddNode(ctx, opts.PoolName, opts.Redis, opts.NodeOptions...)
	if err != nil {
		return nil, fmt.Errorf("add pool node: %w", err)
	}
	q := &Queue{node: node, logger: opts.Logger}
	if opts.Worker != nil {
		if _, err := node.AddWorker(ctx, &runner{node: node, worker: opts.Worker, logger: opts.Logger}); err != nil {
			closeErr := node.Close(ctx)
			return nil, errors.Join(fmt.Errorf("add pool worker: %w", err), closeErr)
		}
	}
	return q, nil
}

// Enqueue dispatches the job to the pool and returns its assigned id.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	id := uuid.NewString()
	payload, err := job.Encode()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%s/%s", job.Name, job.DialogID, id)
	if err := q.node.DispatchJob(ctx, key, payload); err != nil {
		return "", fmt.Errorf("dispatch %s: %w", key, err)
	}
	return id, nil
}

// Close leaves the pool. Jobs running on other nodes are unaffected.
func (q *Queue) Close(ctx context.Context) error {
	return q.node.Close(ctx)
}

// Start implements pool.JobHandler. It decodes the payload and runs the
// job func in a goroutine, stopping the pool job on completion.
func (r *runner) Start(job *pool.Job) error {
	decoded, err := queue.DecodeJob(job.Payload)
	if err != nil {
		return err
	}
	key := job.Key
	go func() {
		ctx := context.Background()
		if err := r.worker.Dispatch(ctx, decoded); err != nil {
			r.logger.Error(ctx, "job failed", "key", key, "err", err.Error())
		}
		if err := r.node.StopJob(ctx, key); err != nil {
			r.logger.Warn(ctx, "stop job", "key", key, "err", err.Error())
		}
	}()
	return nil
}

// Stop implements pool.JobHandler. One-shot jobs stop themselves; nothing
// to interrupt here.
func (r *runner) Stop(key string) error { return nil }
