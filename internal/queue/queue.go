// Package queue is the at-least-once delivery layer between the scheduler
// and the receipt state machine. Jobs may be delivered more than once; the
// state machine's status guards make redelivery harmless.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindSubmit    Kind = "submit"
	KindReconcile Kind = "reconcile"
)

// Job is one unit of scheduled work. Attempt counts recoverable failures
// already consumed, so retry accounting survives any queue transport.
type Job struct {
	Kind      Kind  `json:"kind"`
	ReceiptID int64 `json:"receipt_id"`
	Attempt   int   `json:"attempt"`
}

type Handler func(ctx context.Context, job Job)

// Queue schedules a job for delivery after delay. Implementations must be
// safe for concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

type worker struct {
	id         int
	workerPool chan chan Job
	jobChannel chan Job
	logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan Job, logger *slog.Logger) *worker {
	return &worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, handler Handler) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.workerPool <- w.jobChannel

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("worker processing job",
					"worker_id", w.id, "kind", job.Kind, "receipt_id", job.ReceiptID)
				handler(ctx, job)
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// MemoryQueue runs jobs in-process on a fixed worker pool. Delays are plain
// timers; a crashed process loses pending jobs, which is exactly what the
// sweep jobs exist to repair.
type MemoryQueue struct {
	jobQueue   chan Job
	workerPool chan chan Job
	maxWorkers int
	handler    Handler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.Mutex
	timers    map[int64]*time.Timer
	nextTimer int64
}

type MemoryConfig struct {
	Workers   int
	QueueSize int
}

func NewMemoryQueue(cfg MemoryConfig, handler Handler, logger *slog.Logger) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers <= 0 {
		workers = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	q := &MemoryQueue{
		jobQueue:   make(chan Job, queueSize),
		workerPool: make(chan chan Job, workers),
		maxWorkers: workers,
		handler:    handler,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		timers:     make(map[int64]*time.Timer),
	}
	q.start()
	return q
}

func (q *MemoryQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.maxWorkers; i++ {
			newWorker(i, q.workerPool, q.logger).start(q.ctx, &q.wg, q.handler)
		}

		q.wg.Add(1)
		go q.dispatch()

		q.logger.Info("queue worker pool started",
			"workers", q.maxWorkers, "queue_size", cap(q.jobQueue))
	})
}

func (q *MemoryQueue) dispatch() {
	defer q.wg.Done()

	for {
		select {
		case job := <-q.jobQueue:
			select {
			case jobChannel := <-q.workerPool:
				select {
				case jobChannel <- job:
				case <-q.ctx.Done():
					return
				}
			case <-q.ctx.Done():
				return
			}
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		q.push(job)
		return nil
	}

	q.mu.Lock()
	id := q.nextTimer
	q.nextTimer++
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()
		q.push(job)
	})
	q.mu.Unlock()

	q.logger.Debug("job scheduled",
		"kind", job.Kind, "receipt_id", job.ReceiptID, "delay", delay)
	return nil
}

func (q *MemoryQueue) push(job Job) {
	select {
	case q.jobQueue <- job:
	case <-q.ctx.Done():
	}
}

func (q *MemoryQueue) Shutdown() {
	q.logger.Info("shutting down queue")
	q.cancel()

	q.mu.Lock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue shutdown complete")
}
