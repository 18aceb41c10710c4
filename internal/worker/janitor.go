package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/pkg/distlock"
	"github.com/ignite/leadflow/internal/queue"
)

// UnprocessedScanner finds accepted events that never finished
// processing.
type UnprocessedScanner interface {
	Unprocessed(ctx context.Context, cutoff time.Time, limit int) ([]domain.MarketingEvent, error)
}

// Janitor re-enqueues events that were accepted but lost their queue job
// (broker wipe, dead-lettered then fixed, crash between insert and
// enqueue). The dedup key makes re-enqueueing safe against live jobs.
type Janitor struct {
	events UnprocessedScanner
	queue  *queue.Queue
	lock   distlock.Lock

	interval time.Duration
	minAge   time.Duration
	batch    int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor wires a janitor. Events younger than minAge are left alone;
// they are usually still in flight.
func NewJanitor(events UnprocessedScanner, q *queue.Queue, lock distlock.Lock, interval, minAge time.Duration) *Janitor {
	return &Janitor{
		events:   events,
		queue:    q,
		lock:     lock,
		interval: interval,
		minAge:   minAge,
		batch:    500,
	}
}

// Start launches the periodic scan.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true

	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	log.Printf("[Janitor] Started, scanning every %s", j.interval)
}

// Stop halts the scan and waits for an in-flight run.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
	log.Printf("[Janitor] Stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := distlock.WithLock(ctx, j.lock, func(ctx context.Context) error {
				_, err := j.RunOnce(ctx)
				return err
			})
			if err != nil {
				log.Printf("[Janitor] Scan failed: %v", err)
			} else if !held {
				log.Printf("[Janitor] Another instance holds the lock, skipping")
			}
		}
	}
}

// RunOnce re-enqueues one batch of stuck events and returns how many
// jobs it created.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.minAge)
	events, err := j.events.Unprocessed(ctx, cutoff, j.batch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range events {
		// Same dedup key as the original enqueue: a still-live job wins.
		// The identifier comes from the event row, so the worker can
		// resolve the lead even though the original payload is gone.
		_, err := j.queue.Enqueue(ctx, EventJob{EventID: e.ID, Identifier: e.LeadIdentifier},
			queue.WithDedupKey("event-"+e.ID.String()))
		if errors.Is(err, queue.ErrDuplicate) {
			continue
		}
		if err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		log.Printf("[Janitor] Re-enqueued %d stuck events", requeued)
	}
	return requeued, nil
}
