// Package queue defines the background job contract: a Queue clients
// enqueue onto and a Worker mux that routes delivered jobs to registered
// functions under a per-job timeout. The queue delivers a given dialog's
// job to one worker at a time; re-delivery after a partial run is safe
// because the engine resumes from the last committed step index.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// Job names understood by the workers.
const (
	// JobRunWorkflow advances a dialog until terminal or suspended.
	JobRunWorkflow = "dialog_run_workflow"
	// JobProcessMessage runs the completion service on the latest
	// assistant stub.
	JobProcessMessage = "process_message"
)

// DefaultJobTimeout bounds a single job execution.
const DefaultJobTimeout = 5 * time.Minute

var (
	// ErrUnknownJob indicates a delivered job name with no registered func.
	ErrUnknownJob = errors.New("unknown job name")
)

type (
	// Job is the queue payload, JSON-encoded on the wire.
	Job struct {
		// Name selects the job func.
		Name string `json:"name"`
		// DialogID is the dialog the job operates on.
		DialogID string `json:"dialog_id"`
		// Args carries job-specific parameters.
		Args map[string]any `json:"args,omitempty"`
	}

	// Queue enqueues jobs for asynchronous execution.
	Queue interface {
		// Enqueue submits the job and returns its assigned id.
		Enqueue(ctx context.Context, job Job) (string, error)
		// Close releases queue resources.
		Close(ctx context.Context) error
	}

	// JobFunc executes one job. The context carries the job timeout.
	JobFunc func(ctx context.Context, job Job) error

	// Worker routes delivered jobs to registered funcs. Register during
	// boot, before the backing consumer starts; Dispatch is safe for
	// concurrent use afterwards.
	Worker struct {
		funcs   map[string]JobFunc
		timeout time.Duration
		metrics telemetry.Metrics
	}
)

// Encode serializes the job for the wire.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a wire payload.
func DecodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// NewWorker creates a worker mux. A non-positive timeout selects
// DefaultJobTimeout.
func NewWorker(timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Worker{
		funcs:   make(map[string]JobFunc),
		timeout: timeout,
		metrics: telemetry.NewNoopMetrics(),
	}
}

// SetMetrics replaces the no-op metrics backend. Call during boot, before
// the backing consumer starts.
func (w *Worker) SetMetrics(m telemetry.Metrics) {
	if m != nil {
		w.metrics = m
	}
}

// Register binds a job name to its func. Later registrations replace
// earlier ones.
func (w *Worker) Register(name string, fn JobFunc) {
	w.funcs[name] = fn
}

// Dispatch runs the job func for the job's name under the worker timeout.
func (w *Worker) Dispatch(ctx context.Context, job Job) error {
	fn, ok := w.funcs[job.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, job.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	w.metrics.IncCounter("queue.jobs.dispatched", 1, "job", job.Name)
	started := time.Now()
	err := fn(ctx, job)
	w.metrics.RecordTimer("queue.jobs.duration", time.Since(started))
	if err != nil {
		w.metrics.IncCounter("queue.jobs.failed", 1, "job", job.Name)
		return err
	}
	w.metrics.IncCounter("queue.jobs.completed", 1, "job", job.Name)
	return nil
}
