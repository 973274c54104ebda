package queue_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/frahmantamala/fiscal-receipts/internal/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

var _ = Describe("MemoryQueue", func() {
	var (
		q       *queue.MemoryQueue
		mu      sync.Mutex
		handled []queue.Job
		logger  *slog.Logger
	)

	record := func(_ context.Context, job queue.Job) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, job)
	}

	handledCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(handled)
	}

	BeforeEach(func() {
		handled = nil
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		q = queue.NewMemoryQueue(queue.MemoryConfig{Workers: 2, QueueSize: 10}, record, logger)
	})

	AfterEach(func() {
		q.Shutdown()
	})

	It("delivers immediate jobs to the handler", func() {
		job := queue.Job{Kind: queue.KindSubmit, ReceiptID: 1}
		Expect(q.Enqueue(context.Background(), job, 0)).To(Succeed())

		Eventually(handledCount, time.Second).Should(Equal(1))

		mu.Lock()
		defer mu.Unlock()
		Expect(handled[0]).To(Equal(job))
	})

	It("holds delayed jobs until their delay elapses", func() {
		job := queue.Job{Kind: queue.KindReconcile, ReceiptID: 2, Attempt: 1}
		Expect(q.Enqueue(context.Background(), job, 100*time.Millisecond)).To(Succeed())

		Consistently(handledCount, 50*time.Millisecond).Should(BeZero())
		Eventually(handledCount, time.Second).Should(Equal(1))

		mu.Lock()
		defer mu.Unlock()
		Expect(handled[0].Attempt).To(Equal(1))
	})

	It("delivers every job exactly once across the pool", func() {
		for i := int64(1); i <= 20; i++ {
			Expect(q.Enqueue(context.Background(), queue.Job{Kind: queue.KindSubmit, ReceiptID: i}, 0)).To(Succeed())
		}

		Eventually(handledCount, 2*time.Second).Should(Equal(20))

		mu.Lock()
		defer mu.Unlock()
		seen := make(map[int64]int)
		for _, job := range handled {
			seen[job.ReceiptID]++
		}
		for i := int64(1); i <= 20; i++ {
			Expect(seen[i]).To(Equal(1), "receipt %d", i)
		}
	})

	It("drops pending delayed jobs on shutdown", func() {
		Expect(q.Enqueue(context.Background(), queue.Job{Kind: queue.KindSubmit, ReceiptID: 3}, time.Hour)).To(Succeed())
		q.Shutdown()
		Expect(handledCount()).To(BeZero())
	})

	It("never fires a cancelled timer after shutdown", func() {
		Expect(q.Enqueue(context.Background(), queue.Job{Kind: queue.KindSubmit, ReceiptID: 4}, 50*time.Millisecond)).To(Succeed())
		q.Shutdown()

		Consistently(handledCount, 200*time.Millisecond).Should(BeZero())
	})
})

var _ = Describe("RedisQueue", func() {
	It("joins its poller and worker pool on shutdown even when redis is unreachable", func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer client.Close()

		q := queue.NewRedisQueue(client, queue.RedisConfig{
			PollInterval: 10 * time.Millisecond,
			Workers:      3,
		}, func(context.Context, queue.Job) {}, logger)

		q.Start()
		time.Sleep(50 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			q.Shutdown()
			close(done)
		}()

		Eventually(done, time.Second).Should(BeClosed())
	})
})
