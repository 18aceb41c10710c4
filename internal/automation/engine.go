// Package automation evaluates trigger/action rules against pipeline
// events: marketing events, score movements, intent changes, and deal
// stage transitions.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// RuleStore loads rules and records executions.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]domain.AutomationRule, error)
	MarkExecuted(ctx context.Context, ruleID uuid.UUID) error
}

// Trigger is one occurrence the engine evaluates rules against. Fields
// beyond Lead are filled per trigger type.
type Trigger struct {
	Type domain.TriggerType
	Lead *domain.Lead

	// TriggerEvent
	Event *domain.MarketingEvent

	// TriggerScoreThreshold
	OldScore int
	NewScore int

	// TriggerIntentDetected
	Intent *domain.Intent

	// TriggerStageChange / TriggerTimeInStage
	Deal      *domain.Deal
	StageSlug string
	Pipeline  *domain.Pipeline
}

// Engine matches rules to triggers and runs their actions. Like the
// scoring engine it works from an atomically swapped snapshot.
type Engine struct {
	store   RuleStore
	actions *ActionRunner
	snap    atomic.Pointer[[]domain.AutomationRule]
}

// NewEngine creates an engine. Call Reload before firing triggers.
func NewEngine(store RuleStore, actions *ActionRunner) *Engine {
	return &Engine{store: store, actions: actions}
}

// Reload fetches active rules and swaps the snapshot.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("reload automation rules: %w", err)
	}
	e.snap.Store(&rules)
	log.Printf("[Automation] Loaded %d rules", len(rules))
	return nil
}

// RuleCount returns the snapshot size.
func (e *Engine) RuleCount() int {
	if s := e.snap.Load(); s != nil {
		return len(*s)
	}
	return 0
}

// Fire evaluates all rules against one trigger, in priority order. Each
// rule fires at most once per invocation. Action failures are logged and
// do not stop later rules; the pipeline write that produced the trigger
// has already committed.
func (e *Engine) Fire(ctx context.Context, trig Trigger) int {
	snapPtr := e.snap.Load()
	if snapPtr == nil {
		return 0
	}

	fired := 0
	for i := range *snapPtr {
		rule := &(*snapPtr)[i]
		if rule.TriggerType != trig.Type {
			continue
		}
		if !ruleMatches(rule, trig) {
			continue
		}

		if err := e.actions.Run(ctx, rule, trig); err != nil {
			log.Printf("[Automation] Rule %q action failed: %v", rule.Name, err)
			continue
		}
		fired++
		if err := e.store.MarkExecuted(ctx, rule.ID); err != nil {
			log.Printf("[Automation] Failed to record execution of %q: %v", rule.Name, err)
		}
	}
	return fired
}

// ruleMatches applies the per-type trigger_config conditions.
func ruleMatches(rule *domain.AutomationRule, trig Trigger) bool {
	cfg := rule.TriggerConfig
	switch trig.Type {
	case domain.TriggerEvent:
		if trig.Event == nil {
			return false
		}
		if want, ok := cfgString(cfg, "event_type"); ok && want != trig.Event.EventType {
			return false
		}
		if want, ok := cfgString(cfg, "source"); ok && want != trig.Event.Source {
			return false
		}
		return metadataConditionsHold(cfg, trig.Event.Metadata)

	case domain.TriggerScoreThreshold:
		threshold, ok := cfgInt(cfg, "threshold")
		if !ok {
			return false
		}
		// Fires exactly on the upward crossing, not on every event above it.
		return trig.OldScore < threshold && trig.NewScore >= threshold

	case domain.TriggerIntentDetected:
		if trig.Intent == nil {
			return false
		}
		if want, ok := cfgString(cfg, "intent"); ok && want != string(*trig.Intent) {
			return false
		}
		if minConf, ok := cfgInt(cfg, "confidence_gte"); ok {
			if trig.Lead == nil || trig.Lead.IntentConfidence < minConf {
				return false
			}
		}
		return true

	case domain.TriggerStageChange:
		if want, ok := cfgString(cfg, "stage_slug"); ok && want != trig.StageSlug {
			return false
		}
		if want, ok := cfgString(cfg, "pipeline_slug"); ok {
			if trig.Pipeline == nil || want != trig.Pipeline.Slug {
				return false
			}
		}
		return true

	case domain.TriggerTimeInStage:
		if trig.Deal == nil {
			return false
		}
		if want, ok := cfgString(cfg, "stage_slug"); ok && want != trig.StageSlug {
			return false
		}
		hours, ok := cfgInt(cfg, "hours")
		if !ok {
			return false
		}
		return time.Since(trig.Deal.StageEnteredAt) >= time.Duration(hours)*time.Hour
	}
	return false
}

// metadataConditionsHold applies the optional trigger_config.metadata
// block, which uses the same condition shape as scoring rules: scalars
// for equality, {"gte": n} style objects for comparisons. Every
// condition must hold; a missing event key never matches.
func metadataConditionsHold(cfg map[string]any, meta map[string]any) bool {
	raw, ok := cfg["metadata"]
	if !ok {
		return true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	var conds map[string]domain.MetadataCondition
	if err := json.Unmarshal(data, &conds); err != nil {
		return false
	}
	for key, cond := range conds {
		val, ok := meta[key]
		if !ok {
			return false
		}
		if !cond.Holds(val) {
			return false
		}
	}
	return true
}

func cfgString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func cfgInt(cfg map[string]any, key string) (int, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
