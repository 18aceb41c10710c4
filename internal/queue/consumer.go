package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes a single claimed job. A non-nil error schedules a
// retry; the handler is responsible for its own idempotency because a
// job can be delivered more than once.
type Handler func(ctx context.Context, job *Job) error

// ConsumerConfig tunes a consumer's worker pool.
type ConsumerConfig struct {
	Concurrency  int
	JobTimeout   time.Duration
	PollInterval time.Duration
	ReclaimEvery time.Duration
	Limiter      *Limiter
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 5
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReclaimEvery == 0 {
		c.ReclaimEvery = time.Minute
	}
}

// Consumer runs a pool of goroutines that claim and process jobs from
// one queue, with an optional shared rate limit.
type Consumer struct {
	queue   *Queue
	handler Handler
	cfg     ConsumerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a consumer for q. Call Start to begin processing.
func NewConsumer(q *Queue, handler Handler, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		queue:   q,
		handler: handler,
		cfg:     cfg,
	}
}

// Start launches the worker pool. It is an error to start a running
// consumer twice.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer for %s already running", c.queue.Name())
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}
	c.wg.Add(1)
	go c.reclaimLoop(ctx)

	log.Printf("[Consumer:%s] Started %d workers", c.queue.Name(), c.cfg.Concurrency)
	return nil
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	log.Printf("[Consumer:%s] Stopped (processed=%d failed=%d)",
		c.queue.Name(), c.processed.Load(), c.failed.Load())
}

// Stats returns running counters for monitoring endpoints.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed": c.processed.Load(),
		"failed":    c.failed.Load(),
	}
}

func (c *Consumer) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.cfg.Limiter != nil {
			allowed, wait, err := c.cfg.Limiter.Allow(ctx)
			if err != nil {
				log.Printf("[Consumer:%s] Worker %d rate limit error: %v", c.queue.Name(), id, err)
				c.sleep(ctx, c.cfg.PollInterval)
				continue
			}
			if !allowed {
				c.sleep(ctx, wait)
				continue
			}
		}

		job, err := c.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Consumer:%s] Worker %d claim error: %v", c.queue.Name(), id, err)
			c.sleep(ctx, c.cfg.PollInterval)
			continue
		}
		if job == nil {
			c.sleep(ctx, c.cfg.PollInterval)
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	// Jobs get their own timeout detached from the pool context so an
	// in-flight job drains cleanly during shutdown.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.JobTimeout)
	defer cancel()

	if err := c.handler(jobCtx, job); err != nil {
		c.failed.Add(1)
		log.Printf("[Consumer:%s] Job %s failed (attempt %d): %v",
			c.queue.Name(), job.ID, job.Attempts+1, err)
		if ferr := c.queue.Fail(jobCtx, job, err.Error()); ferr != nil {
			log.Printf("[Consumer:%s] Failed to record failure for job %s: %v",
				c.queue.Name(), job.ID, ferr)
		}
		return
	}

	c.processed.Add(1)
	if err := c.queue.Ack(jobCtx, job); err != nil {
		log.Printf("[Consumer:%s] Failed to ack job %s: %v", c.queue.Name(), job.ID, err)
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.queue.Reclaim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Consumer:%s] Reclaim error: %v", c.queue.Name(), err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[Consumer:%s] Reclaimed %d stuck jobs", c.queue.Name(), n)
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
