package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultJobsKey = "fiscal_jobs"

// redisJob wraps a Job with a nonce so identical jobs scheduled twice stay
// distinct sorted-set members.
type redisJob struct {
	Nonce string `json:"nonce"`
	Job
}

// RedisQueue is a delayed job queue on a Redis sorted set scored by due
// time. Multiple worker processes may poll the same key; ZREM is the claim,
// so each job is handed to exactly one worker per delivery. Delivery is
// at-least-once: a worker dying mid-handle loses the job to the sweep.
// Claimed jobs are fanned out to a worker pool so one slow processor call
// never stalls the rest of the batch.
type RedisQueue struct {
	client       *redis.Client
	key          string
	handler      Handler
	pollInterval time.Duration
	batchSize    int64
	workers      int
	logger       *slog.Logger

	jobs   chan Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RedisConfig struct {
	Key          string
	PollInterval time.Duration
	BatchSize    int64
	Workers      int
}

func NewRedisQueue(client *redis.Client, cfg RedisConfig, handler Handler, logger *slog.Logger) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = defaultJobsKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &RedisQueue{
		client:       client,
		key:          cfg.Key,
		handler:      handler,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		workers:      cfg.Workers,
		logger:       logger,
		jobs:         make(chan Job),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(redisJob{Nonce: uuid.NewString(), Job: job})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	due := time.Now().Add(delay)
	if err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job scheduled",
		"kind", job.Kind, "receipt_id", job.ReceiptID, "delay", delay)
	return nil
}

// Start begins polling for due jobs until Shutdown.
func (q *RedisQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			for {
				select {
				case job := <-q.jobs:
					q.logger.Debug("worker processing job",
						"worker_id", id, "kind", job.Kind, "receipt_id", job.ReceiptID)
					q.handler(ctx, job)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				q.drainDue(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	q.logger.Info("redis queue poller started",
		"key", q.key, "poll_interval", q.pollInterval, "workers", q.workers)
}

func (q *RedisQueue) drainDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: q.batchSize,
	}).Result()
	if err != nil {
		q.logger.Error("failed to poll due jobs", "error", err)
		return
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			q.logger.Error("failed to claim job", "error", err)
			continue
		}
		if removed == 0 {
			// another worker claimed it first
			continue
		}

		var rj redisJob
		if err := json.Unmarshal([]byte(member), &rj); err != nil {
			q.logger.Error("dropping malformed job payload", "error", err)
			continue
		}

		select {
		case q.jobs <- rj.Job:
		case <-ctx.Done():
			return
		}
	}
}

func (q *RedisQueue) Shutdown() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("redis queue shutdown complete")
}
