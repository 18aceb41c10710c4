package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/automation"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/pkg/distlock"
)

// AutomationRuleSource lists active automation rules. Satisfied by the
// automation repository.
type AutomationRuleSource interface {
	ActiveRules(ctx context.Context) ([]domain.AutomationRule, error)
}

// StageLookup finds stages by slug across pipelines.
type StageLookup interface {
	StagesBySlug(ctx context.Context, slug string) ([]domain.PipelineStage, error)
}

// StaleDealLister lists open deals sitting in a stage since before cutoff.
type StaleDealLister interface {
	StaleInStage(ctx context.Context, stageID uuid.UUID, cutoff time.Time) ([]domain.Deal, error)
}

// LeadGetter loads one lead.
type LeadGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
}

// StageSweeper periodically evaluates time_in_stage automation rules.
// Each sweep fires rules only for deals that crossed the rule's age
// threshold since the previous sweep, so a stale deal triggers once,
// not on every pass.
type StageSweeper struct {
	rules  AutomationRuleSource
	stages StageLookup
	deals  StaleDealLister
	leads  LeadGetter
	autos  Automations
	lock   distlock.Lock

	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStageSweeper wires a sweeper.
func NewStageSweeper(rules AutomationRuleSource, stages StageLookup, deals StaleDealLister, leads LeadGetter, autos Automations, lock distlock.Lock, interval time.Duration) *StageSweeper {
	return &StageSweeper{
		rules:    rules,
		stages:   stages,
		deals:    deals,
		leads:    leads,
		autos:    autos,
		lock:     lock,
		interval: interval,
	}
}

// Start launches the periodic sweep.
func (s *StageSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("[StageSweeper] Started, sweeping every %s", s.interval)
}

// Stop halts the sweep and waits for an in-flight run.
func (s *StageSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Printf("[StageSweeper] Stopped")
}

func (s *StageSweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := distlock.WithLock(ctx, s.lock, func(ctx context.Context) error {
				_, err := s.RunOnce(ctx)
				return err
			})
			if err != nil {
				log.Printf("[StageSweeper] Sweep failed: %v", err)
			} else if !held {
				log.Printf("[StageSweeper] Another instance holds the lock, skipping")
			}
		}
	}
}

// RunOnce evaluates every time_in_stage rule and returns how many
// triggers fired.
func (s *StageSweeper) RunOnce(ctx context.Context) (int, error) {
	rules, err := s.rules.ActiveRules(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	fired := 0
	for i := range rules {
		rule := &rules[i]
		if rule.TriggerType != domain.TriggerTimeInStage {
			continue
		}
		slug, ok := cfgStringValue(rule.TriggerConfig, "stage_slug")
		if !ok {
			log.Printf("[StageSweeper] Rule %q has no stage_slug, skipping", rule.Name)
			continue
		}
		hours, ok := cfgIntValue(rule.TriggerConfig, "hours")
		if !ok {
			log.Printf("[StageSweeper] Rule %q has no hours, skipping", rule.Name)
			continue
		}

		stages, err := s.stages.StagesBySlug(ctx, slug)
		if err != nil {
			return fired, err
		}
		cutoff := now.Add(-time.Duration(hours) * time.Hour)
		// Only deals that became stale since the previous sweep; older
		// ones already fired on an earlier pass.
		window := cutoff.Add(-s.interval)

		for _, stage := range stages {
			deals, err := s.deals.StaleInStage(ctx, stage.ID, cutoff)
			if err != nil {
				return fired, err
			}
			for i := range deals {
				deal := &deals[i]
				if deal.StageEnteredAt.Before(window) {
					continue
				}
				lead, err := s.leads.Get(ctx, deal.LeadID)
				if err != nil {
					log.Printf("[StageSweeper] Load lead %s: %v", deal.LeadID, err)
					continue
				}
				fired += s.autos.Fire(ctx, automation.Trigger{
					Type:      domain.TriggerTimeInStage,
					Lead:      lead,
					Deal:      deal,
					StageSlug: stage.Slug,
				})
			}
		}
	}

	if fired > 0 {
		log.Printf("[StageSweeper] Fired %d time-in-stage automations", fired)
	}
	return fired, nil
}

func cfgStringValue(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key].(string)
	return v, ok && v != ""
}

func cfgIntValue(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
