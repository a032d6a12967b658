package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// ProcessorQueue is a bounded worker pool. Each worker runs one job end to end.
type ProcessorQueue struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	enqueueWait time.Duration
	busyDelay   time.Duration
	busyRetries int

	ch     chan Job
	wg     sync.WaitGroup
	once   sync.Once
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   map[uuid.UUID]struct{}
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithEnqueueWait bounds how long Enqueue blocks on a full queue before ErrQueueFull.
func WithEnqueueWait(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d >= 0 {
			q.enqueueWait = d
		}
	}
}

// WithBusyRetry requeues a job that was locked elsewhere after delay, up to n times.
func WithBusyRetry(delay time.Duration, n int) Option {
	return func(q *ProcessorQueue) {
		if delay > 0 {
			q.busyDelay = delay
		}
		if n >= 0 {
			q.busyRetries = n
		}
	}
}

func NewProcessorQueue(handler Handler, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		handler:     handler,
		logger:      logger,
		workers:     4,
		timeout:     5 * time.Minute,
		enqueueWait: 5 * time.Second,
		busyDelay:   time.Second,
		busyRetries: 3,
		ch:          make(chan Job, 256),
		pending:     map[uuid.UUID]struct{}{},
	}
	for _, o := range opts {
		o(q)
	}
	q.base, q.cancel = context.WithCancel(context.Background())
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("queue.worker.started", "worker_id", workerID)
				for job := range q.ch {
					q.run(workerID, job)
				}
				q.logger.Debug("queue.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *ProcessorQueue) run(workerID int, job Job) {
	q.unmarkPending(job.JobID)

	ctx, cancel := context.WithTimeout(q.base, q.timeout)
	defer cancel()
	ctx = common.WithRequestID(ctx, uuid.NewString())

	start := time.Now()
	err := q.handler.Process(ctx, job.JobID)
	switch {
	case err == nil:
		q.logger.Info("queue.job.done", "worker_id", workerID, "job_id", job.JobID,
			"waited_ms", start.Sub(job.SubmittedAt).Milliseconds(), "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, common.ErrJobBusy):
		q.requeueBusy(job)
	default:
		q.logger.Error("queue.job.failed", "worker_id", workerID, "job_id", job.JobID, "kind", common.Kind(err))
	}
}

// requeueBusy gives a job locked by a short-lived holder (a reviewer decision, a cancel)
// another turn. A job held by another worker is driven by that worker.
func (q *ProcessorQueue) requeueBusy(job Job) {
	if job.BusyRetries >= q.busyRetries {
		q.logger.Warn("queue.job.busy.dropped", "job_id", job.JobID, "retries", job.BusyRetries)
		return
	}
	job.BusyRetries++
	time.AfterFunc(q.busyDelay, func() {
		if err := q.enqueue(context.Background(), job); err != nil {
			q.logger.Warn("queue.job.requeue.failed", "job_id", job.JobID, "kind", common.Kind(err))
		}
	})
}

// Enqueue schedules jobID. A job already waiting in the queue is not added twice.
func (q *ProcessorQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	return q.enqueue(ctx, Job{JobID: jobID, SubmittedAt: time.Now()})
}

func (q *ProcessorQueue) enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: %w", job.JobID, common.ErrShuttingDown)
	}
	if !q.markPending(job.JobID) {
		q.logger.Debug("queue.job.already_pending", "job_id", job.JobID)
		return nil
	}

	select {
	case q.ch <- job:
		q.logger.Debug("queue.job.enqueued", "job_id", job.JobID, "depth", len(q.ch))
		return nil
	default:
	}
	q.logger.Warn("queue.full.waiting", "job_id", job.JobID, "capacity", cap(q.ch))

	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()
	select {
	case q.ch <- job:
		return nil
	case <-timer.C:
		q.unmarkPending(job.JobID)
		return fmt.Errorf("enqueue %s: %w", job.JobID, common.ErrQueueFull)
	case <-ctx.Done():
		q.unmarkPending(job.JobID)
		return ctx.Err()
	}
}

func (q *ProcessorQueue) markPending(id uuid.UUID) bool {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	if _, ok := q.pending[id]; ok {
		return false
	}
	q.pending[id] = struct{}{}
	return true
}

func (q *ProcessorQueue) unmarkPending(id uuid.UUID) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	delete(q.pending, id)
}

// Depth is the number of jobs waiting for a worker.
func (q *ProcessorQueue) Depth() int { return len(q.ch) }

// Shutdown stops accepting jobs and waits for queued and running jobs to finish. If ctx
// ends first, running jobs are cancelled and stay resumable.
func (q *ProcessorQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("queue.shutdown.drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn("queue.shutdown.interrupted")
		return ctx.Err()
	}
}
