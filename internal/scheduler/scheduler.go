// Package scheduler drives the receipt state machine: it consumes queued
// jobs, retries recoverable failures with exponential backoff, and runs the
// periodic sweeps that repair lost queue deliveries.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/frahmantamala/fiscal-receipts/internal"
	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
	"github.com/frahmantamala/fiscal-receipts/internal/queue"
)

// StateMachine is what the scheduler drives. Submit and Reconcile return an
// error only when the failure is recoverable; terminal outcomes commit
// inside the operation and return nil.
type StateMachine interface {
	Submit(ctx context.Context, receiptID int64) error
	Reconcile(ctx context.Context, receiptID int64) error
	Fail(ctx context.Context, receiptID int64, reason string) error
}

// ReceiptFinder is the one repository query sweeps need.
type ReceiptFinder interface {
	FindByStatusAndAgeWindow(ctx context.Context, status string, minAge, maxAge time.Duration) ([]*datamodel.Receipt, error)
}

// Backoff returns the delay before retry n (1-indexed):
// floor(exp(n-1)) * base. With a 60s base that is 60, 120, 420, 1200, 3240,
// 8880, 24180, 65760, 178800 seconds for n = 1..9.
func Backoff(n int, base time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(int64(math.Exp(float64(n-1)))) * base
}

type Scheduler struct {
	ops    StateMachine
	finder ReceiptFinder
	queue  queue.Queue
	cfg    internal.SchedulerConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ops StateMachine, finder ReceiptFinder, cfg internal.SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg.ApplyDefaults()
	return &Scheduler{
		ops:    ops,
		finder: finder,
		cfg:    cfg,
		logger: logger,
	}
}

// AttachQueue wires the delivery queue. The queue needs the scheduler's
// Handle as its handler and the scheduler needs the queue for retries, so
// wiring happens after both exist.
func (s *Scheduler) AttachQueue(q queue.Queue) {
	s.queue = q
}

// Handle is the queue handler: run the operation, and on a recoverable
// failure either schedule the next retry or declare the receipt failed.
func (s *Scheduler) Handle(ctx context.Context, job queue.Job) {
	var err error
	switch job.Kind {
	case queue.KindSubmit:
		err = s.ops.Submit(ctx, job.ReceiptID)
	case queue.KindReconcile:
		err = s.ops.Reconcile(ctx, job.ReceiptID)
	default:
		s.logger.Error("dropping job of unknown kind", "kind", job.Kind, "receipt_id", job.ReceiptID)
		return
	}

	if err == nil {
		return
	}
	if !internal.IsRecoverable(err) {
		// operations commit unrecoverable outcomes themselves; reaching
		// here means a bug, not a retryable condition
		s.logger.Error("operation returned non-recoverable error",
			"kind", job.Kind, "receipt_id", job.ReceiptID, "error", err)
		return
	}

	s.retry(ctx, job, err)
}

func (s *Scheduler) maxAttempts(kind queue.Kind) int {
	if kind == queue.KindReconcile {
		return s.cfg.ReconcileMaxAttempts
	}
	return s.cfg.SubmitMaxAttempts
}

func (s *Scheduler) retry(ctx context.Context, job queue.Job, cause error) {
	attempt := job.Attempt + 1

	if attempt > s.maxAttempts(job.Kind)+1 {
		s.logger.Error("run out of attempts",
			"kind", job.Kind, "receipt_id", job.ReceiptID,
			"attempts", job.Attempt, "error", cause)
		if err := s.ops.Fail(ctx, job.ReceiptID, cause.Error()); err != nil {
			s.logger.Error("failed to mark receipt failed",
				"receipt_id", job.ReceiptID, "error", err)
		}
		return
	}

	delay := Backoff(attempt, s.cfg.BaseDelay)
	job.Attempt = attempt

	s.logger.Info("scheduling retry",
		"kind", job.Kind, "receipt_id", job.ReceiptID,
		"attempt", attempt, "delay", delay, "error", cause)

	if err := s.queue.Enqueue(ctx, job, delay); err != nil {
		s.logger.Error("failed to enqueue retry, sweep will recover",
			"kind", job.Kind, "receipt_id", job.ReceiptID, "error", err)
	}
}

// StartSweeps runs Sweep every SweepInterval until Stop.
func (s *Scheduler) StartSweeps() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("sweep jobs started",
		"interval", s.cfg.SweepInterval,
		"min_age", s.cfg.SweepMinAge, "max_age", s.cfg.SweepMaxAge)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep re-enqueues receipts stuck outside their expected handling window.
// It is a safety net for lost queue messages, not the primary driver, so
// every pass starts jobs with a fresh attempt counter.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx, datamodel.StatusCreated, func(rec *datamodel.Receipt) queue.Kind {
		return queue.KindSubmit
	})
	s.sweep(ctx, datamodel.StatusInitiated, func(rec *datamodel.Receipt) queue.Kind {
		return queue.KindReconcile
	})
	// a retried receipt is awaiting a resubmission until sell succeeds and
	// assigns a fresh remote uuid, then it is awaiting a report
	s.sweep(ctx, datamodel.StatusRetried, func(rec *datamodel.Receipt) queue.Kind {
		if rec.RemoteUUID == "" {
			return queue.KindSubmit
		}
		return queue.KindReconcile
	})
}

func (s *Scheduler) sweep(ctx context.Context, status string, kindFor func(*datamodel.Receipt) queue.Kind) {
	receipts, err := s.finder.FindByStatusAndAgeWindow(ctx, status, s.cfg.SweepMinAge, s.cfg.SweepMaxAge)
	if err != nil {
		s.logger.Error("sweep query failed", "status", status, "error", err)
		return
	}
	if len(receipts) == 0 {
		return
	}

	s.logger.Info("sweeping stuck receipts", "status", status, "count", len(receipts))

	for _, rec := range receipts {
		job := queue.Job{Kind: kindFor(rec), ReceiptID: rec.ID}
		if err := s.queue.Enqueue(ctx, job, 0); err != nil {
			s.logger.Error("sweep enqueue failed",
				"receipt_id", rec.ID, "kind", job.Kind, "error", err)
		}
	}
}
