package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/pkg/distlock"
)

// ScoreExpirer is the slice of scoring storage the decay job needs.
type ScoreExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// IntentExpirer is the slice of intent storage the decay job needs.
type IntentExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Recalculator recomputes persisted score totals for one lead.
type Recalculator interface {
	Recalculate(ctx context.Context, id uuid.UUID) (int, error)
}

// IntentRefresher recomputes a lead's intent summary from live signals.
type IntentRefresher interface {
	Refresh(ctx context.Context, leadID uuid.UUID) (domain.IntentSummary, error)
}

// DecayJob periodically expires score history rows and intent signals
// past their expiry, then recalculates exactly the affected leads. The
// distributed lock keeps the sweep single-flight across worker replicas.
type DecayJob struct {
	scores  ScoreExpirer
	intents IntentExpirer
	recalc  Recalculator
	refresh IntentRefresher
	lock    distlock.Lock

	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDecayJob wires a decay job.
func NewDecayJob(scores ScoreExpirer, intents IntentExpirer, recalc Recalculator, refresh IntentRefresher, lock distlock.Lock, interval time.Duration) *DecayJob {
	return &DecayJob{
		scores:   scores,
		intents:  intents,
		recalc:   recalc,
		refresh:  refresh,
		lock:     lock,
		interval: interval,
	}
}

// Start launches the periodic sweep.
func (j *DecayJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true

	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	log.Printf("[Decay] Started, sweeping every %s", j.interval)
}

// Stop halts the sweep and waits for an in-flight run.
func (j *DecayJob) Stop() {
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
	log.Printf("[Decay] Stopped")
}

func (j *DecayJob) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := distlock.WithLock(ctx, j.lock, j.RunOnce)
			if err != nil {
				log.Printf("[Decay] Sweep failed: %v", err)
			} else if !held {
				log.Printf("[Decay] Another instance holds the lock, skipping")
			}
		}
	}
}

// RunOnce performs one sweep: expire, then recalculate affected leads.
// Exported for the worker's startup catch-up run.
func (j *DecayJob) RunOnce(ctx context.Context) error {
	now := time.Now()

	scoreLeads, err := j.scores.ExpireDue(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range scoreLeads {
		if _, err := j.recalc.Recalculate(ctx, id); err != nil {
			log.Printf("[Decay] Recalculate failed for lead %s: %v", id, err)
		}
	}

	intentLeads, err := j.intents.ExpireDue(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range intentLeads {
		if _, err := j.refresh.Refresh(ctx, id); err != nil {
			log.Printf("[Decay] Intent refresh failed for lead %s: %v", id, err)
		}
	}

	if len(scoreLeads) > 0 || len(intentLeads) > 0 {
		log.Printf("[Decay] Expired history for %d leads, signals for %d leads",
			len(scoreLeads), len(intentLeads))
	}
	return nil
}
