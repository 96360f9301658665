package inprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

var ErrQueueClosed = errors.New("queue is shutting down")

// Queue is a bounded channel worker pool for single-process deployments.
// Publish never blocks: a full queue is reported as a temporary error.
type Queue struct {
	workers int
	ch      chan domain.Job

	mu         sync.Mutex
	closed     bool
	subscribed bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan domain.Job, n)
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		workers: 2,
		ch:      make(chan domain.Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Publish(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.WrapError(domain.ErrTemporary, "queue publish", ErrQueueClosed)
	}
	select {
	case q.ch <- job:
		slog.Info("task_queued", "task_id", job.TaskID, "depth", len(q.ch))
		return nil
	default:
		slog.Warn("task_queue_full", "task_id", job.TaskID, "capacity", cap(q.ch))
		return domain.WrapError(domain.ErrTemporary, "queue publish", fmt.Errorf("queue full (%d jobs)", cap(q.ch)))
	}
}

func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *Queue) Depth() int {
	return len(q.ch)
}

// Subscribe starts the workers and blocks until ctx is done and every worker
// has returned. Jobs still queued at shutdown are dropped and stay pending.
func (q *Queue) Subscribe(ctx context.Context, handler func(context.Context, domain.Job) error) error {
	q.mu.Lock()
	if q.subscribed {
		q.mu.Unlock()
		return errors.New("queue already has a subscriber")
	}
	q.subscribed = true
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			slog.Info("worker_started", "worker_id", workerID)
			for {
				select {
				case <-ctx.Done():
					slog.Info("worker_stopped", "worker_id", workerID)
					return
				case job := <-q.ch:
					if err := handler(ctx, job); err != nil {
						slog.Error("worker_job_failed", "worker_id", workerID, "task_id", job.TaskID, "kind", job.Kind, "error", err)
					}
				}
			}
		}(i + 1)
	}

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	wg.Wait()

	if dropped := len(q.ch); dropped > 0 {
		slog.Warn("task_queue_dropped_on_shutdown", "jobs", dropped)
	}
	return nil
}
