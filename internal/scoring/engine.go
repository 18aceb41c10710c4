package scoring

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// RuleStore is the slice of storage the engine needs for rules and
// score history.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]domain.ScoringRule, error)
	CountApplications(ctx context.Context, leadID, ruleID uuid.UUID, since time.Time) (int, error)
	InsertHistory(ctx context.Context, h *domain.ScoreHistory) (bool, error)
}

// Recalculator recomputes a lead's persisted score columns from
// non-expired history and returns the new total.
type Recalculator interface {
	Recalculate(ctx context.Context, id uuid.UUID) (int, error)
}

// Thresholds are the tier cutoffs. A total below Warm is cold.
type Thresholds struct {
	Warm    int
	Hot     int
	VeryHot int
}

// TierFor buckets a total score.
func (t Thresholds) TierFor(total int) domain.ScoreTier {
	switch {
	case total >= t.VeryHot:
		return domain.TierVeryHot
	case total >= t.Hot:
		return domain.TierHot
	case total >= t.Warm:
		return domain.TierWarm
	default:
		return domain.TierCold
	}
}

// Crossed returns the tiers crossed upward going from oldTotal to
// newTotal, in ascending order. Downward moves cross nothing.
func (t Thresholds) Crossed(oldTotal, newTotal int) []domain.ScoreTier {
	var out []domain.ScoreTier
	cuts := []struct {
		at   int
		tier domain.ScoreTier
	}{
		{t.Warm, domain.TierWarm},
		{t.Hot, domain.TierHot},
		{t.VeryHot, domain.TierVeryHot},
	}
	for _, c := range cuts {
		if oldTotal < c.at && newTotal >= c.at {
			out = append(out, c.tier)
		}
	}
	return out
}

// AppliedRule records one rule application inside a Result.
type AppliedRule struct {
	Rule   *domain.ScoringRule
	Points int
}

// Result is the outcome of scoring one event.
type Result struct {
	Applied  []AppliedRule
	OldTotal int
	NewTotal int
	// Category of the first applied rule; stamps the event row.
	Category *domain.ScoreCategory
	// Tiers crossed upward by this event, ascending.
	Crossed []domain.ScoreTier
}

// Points returns the sum of applied points.
func (r *Result) Points() int {
	total := 0
	for _, a := range r.Applied {
		total += a.Points
	}
	return total
}

// snapshot is an immutable view of the active rules, split by type.
// Field rules carry their compiled pattern operator.
type snapshot struct {
	eventRules []domain.ScoringRule
	fieldRules []FieldRule
	loadedAt   time.Time
}

// Engine applies scoring rules to events. Rules are read once into a
// snapshot and swapped atomically on Reload, so the hot path never
// queries the rules table.
type Engine struct {
	store RuleStore
	leads Recalculator
	tiers Thresholds
	snap  atomic.Pointer[snapshot]
	nowFn func() time.Time
}

// NewEngine creates an engine. Call Reload before processing events.
func NewEngine(store RuleStore, leads Recalculator, tiers Thresholds) *Engine {
	return &Engine{
		store: store,
		leads: leads,
		tiers: tiers,
		nowFn: time.Now,
	}
}

// Reload fetches active rules and swaps the snapshot. On error the
// previous snapshot, if any, stays in place.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("reload scoring rules: %w", err)
	}

	snap := &snapshot{loadedAt: e.nowFn()}
	for _, r := range rules {
		switch r.RuleType {
		case domain.RuleTypeEvent:
			snap.eventRules = append(snap.eventRules, r)
		case domain.RuleTypeField:
			fr, err := CompileField(r)
			if err != nil {
				return fmt.Errorf("reload scoring rules: %w", err)
			}
			snap.fieldRules = append(snap.fieldRules, fr)
		default:
			log.Printf("[Scoring] Skipping rule %s: unknown rule_type %q", r.Slug, r.RuleType)
		}
	}
	e.snap.Store(snap)
	log.Printf("[Scoring] Loaded %d event rules, %d field rules",
		len(snap.eventRules), len(snap.fieldRules))
	return nil
}

// RuleCount returns the number of rules in the current snapshot.
func (e *Engine) RuleCount() int {
	s := e.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.eventRules) + len(s.fieldRules)
}

// ProcessEvent matches the snapshot's rules against one event, applies
// caps, writes history rows, and recalculates the lead's persisted
// totals. The lead argument carries the pre-event state; org may be nil.
func (e *Engine) ProcessEvent(ctx context.Context, lead *domain.Lead, org *domain.Organization, event *domain.MarketingEvent) (*Result, error) {
	snap := e.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("scoring rules not loaded")
	}

	result := &Result{OldTotal: lead.TotalScore, NewTotal: lead.TotalScore}
	now := e.nowFn()

	for i := range snap.eventRules {
		rule := &snap.eventRules[i]
		if !MatchesEvent(rule, event) {
			continue
		}
		applied, err := e.applyRule(ctx, lead, event, rule, now, false)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Applied = append(result.Applied, AppliedRule{Rule: rule, Points: rule.Points})
			if result.Category == nil {
				c := rule.Category
				result.Category = &c
			}
		}
	}

	for i := range snap.fieldRules {
		fr := &snap.fieldRules[i]
		if !fr.Matches(lead, org) {
			continue
		}
		rule := &fr.Rule
		applied, err := e.applyRule(ctx, lead, event, rule, now, true)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Applied = append(result.Applied, AppliedRule{Rule: rule, Points: rule.Points})
			if result.Category == nil {
				c := rule.Category
				result.Category = &c
			}
		}
	}

	if len(result.Applied) == 0 {
		return result, nil
	}

	newTotal, err := e.leads.Recalculate(ctx, lead.ID)
	if err != nil {
		return nil, err
	}
	result.NewTotal = newTotal
	result.Crossed = e.tiers.Crossed(result.OldTotal, newTotal)
	return result, nil
}

// applyRule enforces the rule's caps and writes the history row. Field
// rules default to once per lead when no explicit cap is set, so a
// director title does not re-score on every event.
func (e *Engine) applyRule(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent, rule *domain.ScoringRule, now time.Time, isField bool) (bool, error) {
	maxPerLead := rule.MaxPerLead
	if isField && maxPerLead == nil {
		one := 1
		maxPerLead = &one
	}

	if maxPerLead != nil {
		n, err := e.store.CountApplications(ctx, lead.ID, rule.ID, time.Time{})
		if err != nil {
			return false, err
		}
		if n >= *maxPerLead {
			return false, nil
		}
	}
	if rule.MaxPerDay != nil {
		n, err := e.store.CountApplications(ctx, lead.ID, rule.ID, now.Add(-24*time.Hour))
		if err != nil {
			return false, err
		}
		if n >= *rule.MaxPerDay {
			return false, nil
		}
	}

	h := &domain.ScoreHistory{
		LeadID:       lead.ID,
		RuleID:       rule.ID,
		Category:     rule.Category,
		PointsChange: rule.Points,
		NewTotal:     lead.TotalScore + rule.Points,
	}
	if event != nil {
		h.EventID = &event.ID
	}
	if rule.DecayDays != nil {
		exp := now.Add(time.Duration(*rule.DecayDays) * 24 * time.Hour)
		h.ExpiresAt = &exp
	}
	// The (lead_id, rule_id, event_id) key makes the write idempotent:
	// a redelivered job that re-applies the same rule to the same event
	// inserts nothing and scores nothing.
	inserted, err := e.store.InsertHistory(ctx, h)
	if err != nil {
		return false, err
	}
	return inserted, nil
}
