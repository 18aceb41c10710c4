package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// TaskCreator persists tasks produced by create_task actions.
type TaskCreator interface {
	Create(ctx context.Context, t *domain.Task) error
}

// FieldUpdater writes whitelisted lead columns for update_field actions.
type FieldUpdater interface {
	UpdateField(ctx context.Context, id uuid.UUID, field string, value any) error
}

// Router re-enqueues a lead for routing, optionally forcing a pipeline.
type Router interface {
	EnqueueRouting(ctx context.Context, leadID uuid.UUID, forcedPipelineSlug string) error
}

// SyncPublisher hands a lead off to the external CRM sync consumer.
type SyncPublisher interface {
	PublishSync(ctx context.Context, leadID uuid.UUID, reason string) error
}

// ActionRunner executes the closed set of action types.
type ActionRunner struct {
	notifier Notifier
	tasks    TaskCreator
	leads    FieldUpdater
	router   Router
	sync     SyncPublisher
}

// NewActionRunner wires the runner's dependencies.
func NewActionRunner(notifier Notifier, tasks TaskCreator, leads FieldUpdater, router Router, sync SyncPublisher) *ActionRunner {
	return &ActionRunner{
		notifier: notifier,
		tasks:    tasks,
		leads:    leads,
		router:   router,
		sync:     sync,
	}
}

// Run executes one rule's action for one trigger.
func (a *ActionRunner) Run(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	switch rule.ActionType {
	case domain.ActionSendNotification:
		return a.sendNotification(ctx, rule, trig)
	case domain.ActionCreateTask:
		return a.createTask(ctx, rule, trig)
	case domain.ActionUpdateField:
		return a.updateField(ctx, rule, trig)
	case domain.ActionRouteToPipeline:
		return a.routeToPipeline(ctx, rule, trig)
	case domain.ActionSyncMoco:
		return a.syncMoco(ctx, rule, trig)
	}
	return fmt.Errorf("unknown action type %q", rule.ActionType)
}

func (a *ActionRunner) sendNotification(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	channel, _ := cfgString(rule.ActionConfig, "channel")
	message, ok := cfgString(rule.ActionConfig, "message")
	if !ok {
		return fmt.Errorf("send_notification: missing message")
	}
	return a.notifier.Notify(ctx, channel, expandPlaceholders(message, trig))
}

func (a *ActionRunner) createTask(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	if trig.Lead == nil {
		return fmt.Errorf("create_task: trigger has no lead")
	}
	title, ok := cfgString(rule.ActionConfig, "title")
	if !ok {
		return fmt.Errorf("create_task: missing title")
	}

	task := &domain.Task{
		LeadID: &trig.Lead.ID,
		Title:  expandPlaceholders(title, trig),
		Status: domain.TaskOpen,
	}
	// Stage hooks run through a synthetic rule with no row behind it.
	if rule.ID != uuid.Nil {
		task.AutomationRuleID = &rule.ID
	}
	if trig.Deal != nil {
		task.DealID = &trig.Deal.ID
	}
	if days, ok := cfgInt(rule.ActionConfig, "due_days"); ok {
		due := time.Now().Add(time.Duration(days) * 24 * time.Hour)
		task.DueDate = &due
	}
	return a.tasks.Create(ctx, task)
}

func (a *ActionRunner) updateField(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	if trig.Lead == nil {
		return fmt.Errorf("update_field: trigger has no lead")
	}
	field, ok := cfgString(rule.ActionConfig, "field")
	if !ok {
		return fmt.Errorf("update_field: missing field")
	}
	value, ok := rule.ActionConfig["value"]
	if !ok {
		return fmt.Errorf("update_field: missing value")
	}
	return a.leads.UpdateField(ctx, trig.Lead.ID, field, value)
}

func (a *ActionRunner) routeToPipeline(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	if trig.Lead == nil {
		return fmt.Errorf("route_to_pipeline: trigger has no lead")
	}
	slug, _ := cfgString(rule.ActionConfig, "pipeline_slug")
	return a.router.EnqueueRouting(ctx, trig.Lead.ID, slug)
}

func (a *ActionRunner) syncMoco(ctx context.Context, rule *domain.AutomationRule, trig Trigger) error {
	if trig.Lead == nil {
		return fmt.Errorf("sync_moco: trigger has no lead")
	}
	reason, _ := cfgString(rule.ActionConfig, "reason")
	if reason == "" {
		reason = rule.Name
	}
	return a.sync.PublishSync(ctx, trig.Lead.ID, reason)
}

// RunHook executes one stage automation hook. Hooks reuse the rule
// action vocabulary but live on the stage row, not in automation_rules,
// so there is no execution counter to bump.
func (a *ActionRunner) RunHook(ctx context.Context, hook domain.StageHook, trig Trigger) error {
	pseudo := &domain.AutomationRule{
		Name:         fmt.Sprintf("stage-hook/%s", hook.ActionType),
		ActionType:   hook.ActionType,
		ActionConfig: hook.ActionConfig,
	}
	return a.Run(ctx, pseudo, trig)
}

// expandPlaceholders substitutes {lead.email}-style tokens in notification
// and task text. Unknown tokens pass through unchanged.
func expandPlaceholders(text string, trig Trigger) string {
	pairs := []string{}
	if trig.Lead != nil {
		name := strings.TrimSpace(strVal(trig.Lead.FirstName) + " " + strVal(trig.Lead.LastName))
		if name == "" {
			name = trig.Lead.Email
		}
		pairs = append(pairs,
			"{lead.email}", trig.Lead.Email,
			"{lead.name}", name,
			"{lead.score}", fmt.Sprintf("%d", trig.Lead.TotalScore),
		)
	}
	if trig.Event != nil {
		pairs = append(pairs, "{event.type}", trig.Event.EventType)
	}
	if trig.Intent != nil {
		pairs = append(pairs, "{intent}", string(*trig.Intent))
	}
	if trig.Type == domain.TriggerScoreThreshold {
		pairs = append(pairs, "{score}", fmt.Sprintf("%d", trig.NewScore))
	}
	if trig.Pipeline != nil {
		pairs = append(pairs, "{pipeline}", trig.Pipeline.Name)
	}
	if trig.StageSlug != "" {
		pairs = append(pairs, "{stage}", trig.StageSlug)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
