package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/automation"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/intent"
	"github.com/ignite/leadflow/internal/pkg/logger"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/repository/postgres"
)

// PipelineStore is the slice of pipeline storage routing needs.
type PipelineStore interface {
	BySlug(ctx context.Context, slug string) (*domain.Pipeline, error)
	Default(ctx context.Context) (*domain.Pipeline, error)
	FirstStage(ctx context.Context, pipelineID uuid.UUID) (*domain.PipelineStage, error)
}

// DealStore is the slice of deal storage routing needs.
type DealStore interface {
	RouteLead(ctx context.Context, leadID, pipelineID, stageID uuid.UUID) (created bool, err error)
}

// HookRunner executes stage automation hooks.
type HookRunner interface {
	RunHook(ctx context.Context, hook domain.StageHook, trig automation.Trigger) error
}

// RoutingWorkerConfig holds eligibility gates, the conflict margin and
// the intent to pipeline mapping.
type RoutingWorkerConfig struct {
	MinScore       int
	MinIntent      int
	ConflictMargin int
	// PipelineSlugs maps intent name to pipeline slug.
	PipelineSlugs map[string]string
	SlackChannel  string
}

// RoutingWorker assigns qualified leads to pipelines. It re-checks
// eligibility at execution time because scores and intents move between
// enqueue and claim, and leads with conflicting intents go to manual
// review instead of a pipeline.
type RoutingWorker struct {
	leads     LeadStore
	pipelines PipelineStore
	deals     DealStore
	autos     Automations
	hooks     HookRunner
	notifier  automation.Notifier
	sync      *queue.Queue
	cfg       RoutingWorkerConfig
}

// NewRoutingWorker wires a routing worker. sync may be nil when no CRM
// hand-off is configured.
func NewRoutingWorker(leads LeadStore, pipelines PipelineStore, deals DealStore, autos Automations, hooks HookRunner, notifier automation.Notifier, sync *queue.Queue, cfg RoutingWorkerConfig) *RoutingWorker {
	return &RoutingWorker{
		leads:     leads,
		pipelines: pipelines,
		deals:     deals,
		autos:     autos,
		hooks:     hooks,
		notifier:  notifier,
		sync:      sync,
		cfg:       cfg,
	}
}

// Handle is the queue.Handler for the routing queue.
func (w *RoutingWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload RoutingJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode routing job: %w", err)
	}

	lead, err := w.leads.Get(ctx, payload.LeadID)
	if err != nil {
		return fmt.Errorf("load lead %s: %w", payload.LeadID, err)
	}

	if lead.RoutingStatus == domain.RoutingRouted {
		log.Printf("[RoutingWorker] Lead %s already routed, skipping", lead.ID)
		return nil
	}
	if lead.RoutingStatus == domain.RoutingManualReview {
		// A human owns the lead now; even a forced route waits for them.
		log.Printf("[RoutingWorker] Lead %s is in manual review, not routing", lead.ID)
		return nil
	}
	if lead.GDPRDeleteRequested {
		log.Printf("[RoutingWorker] Lead %s has a pending GDPR delete, not routing", lead.ID)
		return w.leads.SetRoutingStatus(ctx, lead.ID, domain.RoutingUnrouted, nil)
	}

	forced := payload.ForcedPipeline != ""
	if !forced {
		// Eligibility can have evaporated since enqueue (decay, recalc).
		if lead.TotalScore < w.cfg.MinScore || lead.IntentConfidence < w.cfg.MinIntent {
			log.Printf("[RoutingWorker] Lead %s no longer eligible (score=%d intent=%d), returning to unrouted",
				lead.ID, lead.TotalScore, lead.IntentConfidence)
			return w.leads.SetRoutingStatus(ctx, lead.ID, domain.RoutingUnrouted, nil)
		}
		if intent.Conflicted(lead.IntentSummary, w.cfg.ConflictMargin) {
			return w.sendToManualReview(ctx, lead)
		}
	}

	pipeline, err := w.pickPipeline(ctx, lead, payload.ForcedPipeline)
	if err != nil {
		return err
	}
	stage, err := w.pipelines.FirstStage(ctx, pipeline.ID)
	if err != nil {
		return fmt.Errorf("entry stage of %s: %w", pipeline.Slug, err)
	}

	created, err := w.deals.RouteLead(ctx, lead.ID, pipeline.ID, stage.ID)
	if err != nil {
		return fmt.Errorf("route lead %s: %w", lead.ID, err)
	}
	if !created {
		log.Printf("[RoutingWorker] Lead %s already has a deal in %s", lead.ID, pipeline.Slug)
		return nil
	}

	log.Printf("[RoutingWorker] Routed lead %s to %s (score=%d intent=%s/%d)",
		lead.ID, pipeline.Slug, lead.TotalScore, intentName(lead.PrimaryIntent), lead.IntentConfidence)

	w.afterRouting(ctx, lead, pipeline, stage)
	return nil
}

func (w *RoutingWorker) sendToManualReview(ctx context.Context, lead *domain.Lead) error {
	if err := w.leads.SetRoutingStatus(ctx, lead.ID, domain.RoutingManualReview, nil); err != nil {
		return err
	}
	msg := fmt.Sprintf("Lead %s needs manual review: intent conflict (research=%d b2b=%d co_creation=%d)",
		lead.Email, lead.IntentSummary.Research, lead.IntentSummary.B2B, lead.IntentSummary.CoCreation)
	if err := w.notifier.Notify(ctx, w.cfg.SlackChannel, msg); err != nil {
		// Review state is already persisted; the notification is best effort.
		log.Printf("[RoutingWorker] Manual review notification failed for %s: %v", lead.ID, err)
	}
	if w.sync != nil {
		payload := map[string]any{
			"target":  "slack",
			"channel": w.cfg.SlackChannel,
			"message": msg,
			"lead_id": lead.ID,
		}
		if _, err := w.sync.Enqueue(ctx, payload); err != nil {
			log.Printf("[RoutingWorker] Sync enqueue failed for lead %s: %v", lead.ID, err)
		}
	}
	logger.Warn("lead sent to manual review", "lead_id", lead.ID, "email", lead.Email,
		"research", lead.IntentSummary.Research, "b2b", lead.IntentSummary.B2B,
		"co_creation", lead.IntentSummary.CoCreation)
	return nil
}

// pickPipeline resolves the target pipeline: forced slug, then the
// primary intent's mapped pipeline, then the default catch-all.
func (w *RoutingWorker) pickPipeline(ctx context.Context, lead *domain.Lead, forcedSlug string) (*domain.Pipeline, error) {
	if forcedSlug != "" {
		p, err := w.pipelines.BySlug(ctx, forcedSlug)
		if err != nil {
			return nil, fmt.Errorf("forced pipeline %q: %w", forcedSlug, err)
		}
		return p, nil
	}

	if lead.PrimaryIntent != nil {
		if slug, ok := w.cfg.PipelineSlugs[string(*lead.PrimaryIntent)]; ok {
			p, err := w.pipelines.BySlug(ctx, slug)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, postgres.ErrNotFound) {
				return nil, err
			}
			log.Printf("[RoutingWorker] Pipeline %q for intent %s missing, falling back to default",
				slug, *lead.PrimaryIntent)
		}
	}

	p, err := w.pipelines.Default(ctx)
	if err != nil {
		return nil, fmt.Errorf("default pipeline: %w", err)
	}
	return p, nil
}

// afterRouting runs stage hooks, fires stage_change automations and
// publishes the CRM sync job. Failures here are logged, not retried:
// the deal exists and re-running the job would not recreate it.
func (w *RoutingWorker) afterRouting(ctx context.Context, lead *domain.Lead, pipeline *domain.Pipeline, stage *domain.PipelineStage) {
	trig := automation.Trigger{
		Type:      domain.TriggerStageChange,
		Lead:      lead,
		StageSlug: stage.Slug,
		Pipeline:  pipeline,
	}

	for _, hook := range stage.AutomationConfig {
		if err := w.hooks.RunHook(ctx, hook, trig); err != nil {
			log.Printf("[RoutingWorker] Stage hook %s on %s/%s failed: %v",
				hook.ActionType, pipeline.Slug, stage.Slug, err)
		}
	}

	w.autos.Fire(ctx, trig)

	if w.sync != nil {
		payload := map[string]any{
			"lead_id":  lead.ID,
			"pipeline": pipeline.Slug,
			"stage":    stage.Slug,
			"reason":   "routed",
		}
		if _, err := w.sync.Enqueue(ctx, payload); err != nil {
			log.Printf("[RoutingWorker] Sync enqueue failed for lead %s: %v", lead.ID, err)
		}
	}
}

func intentName(i *domain.Intent) string {
	if i == nil {
		return "none"
	}
	return string(*i)
}
