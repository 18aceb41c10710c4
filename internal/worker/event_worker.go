package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/automation"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/intent"
	"github.com/ignite/leadflow/internal/pkg/logger"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/repository/postgres"
	"github.com/ignite/leadflow/internal/scoring"
)

// EventJob is the payload carried on the events queue.
type EventJob struct {
	EventID    uuid.UUID             `json:"event_id"`
	Identifier domain.LeadIdentifier `json:"identifier"`
}

// RoutingJob is the payload carried on the routing queue.
type RoutingJob struct {
	LeadID uuid.UUID `json:"lead_id"`
	// ForcedPipeline bypasses intent-based pipeline selection when set,
	// used by the route_to_pipeline automation action.
	ForcedPipeline string `json:"forced_pipeline,omitempty"`
}

// EventStore is the slice of event storage the worker needs.
type EventStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.MarketingEvent, error)
	AttachLead(ctx context.Context, eventID, leadID uuid.UUID) error
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	StampScore(ctx context.Context, eventID uuid.UUID, points int, category *domain.ScoreCategory) error
}

// LeadStore is the slice of lead storage the worker needs.
type LeadStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	FindByIdentifier(ctx context.Context, ident domain.LeadIdentifier) (*domain.Lead, error)
	Create(ctx context.Context, l *domain.Lead) (*domain.Lead, error)
	FillMissingProfile(ctx context.Context, id uuid.UUID, l *domain.Lead) error
	LinkOrganization(ctx context.Context, leadID, orgID uuid.UUID) error
	UpdateAttribution(ctx context.Context, id uuid.UUID, source string, campaign *string, at time.Time) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	SetRoutingStatus(ctx context.Context, id uuid.UUID, status domain.RoutingStatus, pipelineID *uuid.UUID) error
}

// OrgStore is the slice of organization storage the worker needs.
type OrgStore interface {
	FindOrCreateByDomain(ctx context.Context, webDomain, name string) (*domain.Organization, error)
	FillMissing(ctx context.Context, id uuid.UUID, industry, size, country *string) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
}

// Scorer applies scoring rules to one event.
type Scorer interface {
	ProcessEvent(ctx context.Context, lead *domain.Lead, org *domain.Organization, event *domain.MarketingEvent) (*scoring.Result, error)
}

// IntentProcessor turns events into intent signals.
type IntentProcessor interface {
	Process(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent) (*intent.Detection, error)
}

// Automations fires trigger/action rules.
type Automations interface {
	Fire(ctx context.Context, trig automation.Trigger) int
}

// EventWorkerConfig holds the routing eligibility gates.
type EventWorkerConfig struct {
	MinScore  int
	MinIntent int
}

// EventWorker processes one queued marketing event end to end: lead
// resolution, enrichment, attribution, scoring, intent detection,
// automations and the routing hand-off. The handler is idempotent; a
// redelivered job for an already-processed event is a no-op.
type EventWorker struct {
	events   EventStore
	leads    LeadStore
	orgs     OrgStore
	scorer   Scorer
	detector IntentProcessor
	autos    Automations
	routing  *queue.Queue
	cfg      EventWorkerConfig
}

// NewEventWorker wires an event worker.
func NewEventWorker(events EventStore, leads LeadStore, orgs OrgStore, scorer Scorer, detector IntentProcessor, autos Automations, routing *queue.Queue, cfg EventWorkerConfig) *EventWorker {
	return &EventWorker{
		events:   events,
		leads:    leads,
		orgs:     orgs,
		scorer:   scorer,
		detector: detector,
		autos:    autos,
		routing:  routing,
		cfg:      cfg,
	}
}

// Handle is the queue.Handler for the events queue.
func (w *EventWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload EventJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode event job: %w", err)
	}

	event, err := w.events.Get(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", payload.EventID, err)
	}
	if event.ProcessedAt != nil {
		log.Printf("[EventWorker] Event %s already processed, skipping", event.ID)
		return nil
	}

	lead, err := w.resolveLead(ctx, event, payload.Identifier)
	if err != nil {
		return err
	}

	org, err := w.enrich(ctx, lead, event)
	if err != nil {
		return err
	}

	if event.LeadID == nil || *event.LeadID != lead.ID {
		if err := w.events.AttachLead(ctx, event.ID, lead.ID); err != nil {
			return err
		}
	}

	campaign := event.UTMCampaign
	if campaign == nil {
		campaign = event.CampaignID
	}
	if err := w.leads.UpdateAttribution(ctx, lead.ID, event.Source, campaign, event.OccurredAt); err != nil {
		return err
	}
	if err := w.leads.TouchActivity(ctx, lead.ID, event.OccurredAt); err != nil {
		return err
	}

	// The lead writes above are idempotent, so failures up to here
	// surface through retries. Once the event is marked processed,
	// everything downstream is best effort: a scoring or intent failure
	// is logged and the remaining passes still run, instead of a retry
	// that would skip at the processed_at check.
	if err := w.events.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}

	scoreRes, err := w.scorer.ProcessEvent(ctx, lead, org, event)
	if err != nil {
		log.Printf("[EventWorker] Scoring failed for event %s: %v", event.ID, err)
		scoreRes = &scoring.Result{OldTotal: lead.TotalScore, NewTotal: lead.TotalScore}
	} else if err := w.events.StampScore(ctx, event.ID, scoreRes.Points(), scoreRes.Category); err != nil {
		log.Printf("[EventWorker] Failed to stamp score on event %s: %v", event.ID, err)
	}

	// Re-read so the detector and the triggers see post-scoring state.
	if fresh, err := w.leads.Get(ctx, lead.ID); err == nil {
		lead = fresh
	} else {
		log.Printf("[EventWorker] Failed to reload lead %s: %v", lead.ID, err)
	}

	detection, err := w.detector.Process(ctx, lead, event)
	if err != nil {
		log.Printf("[EventWorker] Intent detection failed for event %s: %v", event.ID, err)
		detection = &intent.Detection{
			Summary:    lead.IntentSummary,
			Primary:    lead.PrimaryIntent,
			Confidence: lead.IntentConfidence,
		}
	}

	w.fireTriggers(ctx, lead, event, scoreRes, detection)

	if err := w.maybeEnqueueRouting(ctx, lead, scoreRes, detection); err != nil {
		log.Printf("[EventWorker] Routing hand-off failed for lead %s: %v", lead.ID, err)
	}
	return nil
}

// resolveLead finds the event's lead, creating one when no identifier
// matches. Jobs without an identifier, such as janitor re-enqueues,
// fall back to the identifier stored on the event row.
func (w *EventWorker) resolveLead(ctx context.Context, event *domain.MarketingEvent, ident domain.LeadIdentifier) (*domain.Lead, error) {
	if event.LeadID != nil {
		return w.leads.Get(ctx, *event.LeadID)
	}
	if ident.Empty() {
		ident = event.LeadIdentifier
	}
	if ident.Empty() {
		return nil, fmt.Errorf("event %s has no lead and no identifier", event.ID)
	}

	lead, err := w.leads.FindByIdentifier(ctx, ident)
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		return nil, err
	}

	fresh := leadFromMetadata(event.Metadata)
	fresh.Email = ident.Email
	fillIdentifiers(fresh, ident)
	created, err := w.leads.Create(ctx, fresh)
	if err != nil {
		return nil, err
	}
	logger.Info("lead created", "lead_id", created.ID, "email", created.Email, "source", event.Source)
	return created, nil
}

// enrich fills missing profile fields from event metadata and links the
// lead's organization when company info is present. Existing values are
// never overwritten.
func (w *EventWorker) enrich(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent) (*domain.Organization, error) {
	profile := leadFromMetadata(event.Metadata)
	if err := w.leads.FillMissingProfile(ctx, lead.ID, profile); err != nil {
		return nil, err
	}

	orgDomain, _ := metaString(event.Metadata, "company_domain")
	if orgDomain == "" {
		if lead.OrganizationID == nil {
			return nil, nil
		}
		org, err := w.orgs.Get(ctx, *lead.OrganizationID)
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, nil
		}
		return org, err
	}

	orgName, _ := metaString(event.Metadata, "company_name")
	org, err := w.orgs.FindOrCreateByDomain(ctx, orgDomain, orgName)
	if err != nil {
		return nil, err
	}

	industry, _ := metaStringPtr(event.Metadata, "company_industry")
	size, _ := metaStringPtr(event.Metadata, "company_size")
	country, _ := metaStringPtr(event.Metadata, "company_country")
	if industry != nil || size != nil || country != nil {
		if err := w.orgs.FillMissing(ctx, org.ID, industry, size, country); err != nil {
			return nil, err
		}
	}

	if lead.OrganizationID == nil {
		if err := w.leads.LinkOrganization(ctx, lead.ID, org.ID); err != nil {
			return nil, err
		}
		lead.OrganizationID = &org.ID
	}
	return org, nil
}

// fireTriggers runs the automation passes for one processed event.
func (w *EventWorker) fireTriggers(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent, scoreRes *scoring.Result, detection *intent.Detection) {
	w.autos.Fire(ctx, automation.Trigger{
		Type:  domain.TriggerEvent,
		Lead:  lead,
		Event: event,
	})

	if scoreRes.NewTotal != scoreRes.OldTotal {
		w.autos.Fire(ctx, automation.Trigger{
			Type:     domain.TriggerScoreThreshold,
			Lead:     lead,
			OldScore: scoreRes.OldTotal,
			NewScore: scoreRes.NewTotal,
		})
	}

	if detection.NewPrimary && detection.Primary != nil {
		w.autos.Fire(ctx, automation.Trigger{
			Type:   domain.TriggerIntentDetected,
			Lead:   lead,
			Intent: detection.Primary,
		})
	}
}

// maybeEnqueueRouting hands eligible unrouted leads to the routing
// queue. The dedup key absorbs bursts: many events in one moment
// produce one routing job.
func (w *EventWorker) maybeEnqueueRouting(ctx context.Context, lead *domain.Lead, scoreRes *scoring.Result, detection *intent.Detection) error {
	if lead.RoutingStatus != domain.RoutingUnrouted {
		return nil
	}
	if scoreRes.NewTotal < w.cfg.MinScore || detection.Confidence < w.cfg.MinIntent {
		return nil
	}

	dedup := fmt.Sprintf("routing-%s", lead.ID)
	_, err := w.routing.Enqueue(ctx, RoutingJob{LeadID: lead.ID}, queue.WithDedupKey(dedup))
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue routing for lead %s: %w", lead.ID, err)
	}

	if err := w.leads.SetRoutingStatus(ctx, lead.ID, domain.RoutingPending, nil); err != nil {
		return err
	}
	log.Printf("[EventWorker] Lead %s queued for routing (score=%d intent=%d)",
		lead.ID, scoreRes.NewTotal, detection.Confidence)
	return nil
}

// leadFromMetadata pulls the profile keys producers commonly include.
func leadFromMetadata(meta map[string]any) *domain.Lead {
	l := &domain.Lead{}
	l.FirstName, _ = metaStringPtr(meta, "first_name")
	l.LastName, _ = metaStringPtr(meta, "last_name")
	l.Phone, _ = metaStringPtr(meta, "phone")
	l.JobTitle, _ = metaStringPtr(meta, "job_title")
	return l
}

func fillIdentifiers(l *domain.Lead, ident domain.LeadIdentifier) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&l.PortalID, ident.PortalID)
	set(&l.WaalaxyID, ident.WaalaxyID)
	set(&l.LinkedInURL, ident.LinkedInURL)
	set(&l.LemlistID, ident.LemlistID)
}

func metaString(meta map[string]any, key string) (string, bool) {
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func metaStringPtr(meta map[string]any, key string) (*string, bool) {
	s, ok := metaString(meta, key)
	if !ok {
		return nil, false
	}
	return &s, true
}
