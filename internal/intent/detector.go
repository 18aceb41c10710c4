package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// SignalStore is the slice of storage the detector needs.
type SignalStore interface {
	InsertSignal(ctx context.Context, s *domain.IntentSignal) error
	ActiveSummary(ctx context.Context, leadID uuid.UUID) (domain.IntentSummary, error)
}

// LeadIntentWriter persists the recomputed summary onto the lead row.
type LeadIntentWriter interface {
	UpdateIntent(ctx context.Context, id uuid.UUID, s domain.IntentSummary, primary *domain.Intent, confidence int) error
}

// Detection is the outcome of running the detector on one event.
type Detection struct {
	Matched    []Rule
	Summary    domain.IntentSummary
	Primary    *domain.Intent
	Confidence int
	// NewPrimary is true when this event changed the lead's primary
	// intent, which is what the intent_detected automation trigger
	// fires on.
	NewPrimary bool
}

// maxConfidence caps the persisted confidence; raw summary values can
// exceed it when many signals stack.
const maxConfidence = 100

// Detector turns events into intent signals and keeps each lead's
// summary columns current.
type Detector struct {
	signals SignalStore
	leads   LeadIntentWriter
	decay   time.Duration
	nowFn   func() time.Time
}

// NewDetector creates a detector. Signals expire after decay.
func NewDetector(signals SignalStore, leads LeadIntentWriter, decay time.Duration) *Detector {
	return &Detector{
		signals: signals,
		leads:   leads,
		decay:   decay,
		nowFn:   time.Now,
	}
}

// Process matches the rule table against one event, records signals, and
// recomputes the lead's intent summary. The lead argument carries the
// pre-event primary intent for change detection.
func (d *Detector) Process(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent) (*Detection, error) {
	matched := Match(event)
	det := &Detection{Matched: matched}

	if len(matched) == 0 {
		det.Summary = lead.IntentSummary
		det.Primary = lead.PrimaryIntent
		det.Confidence = lead.IntentConfidence
		return det, nil
	}

	now := d.nowFn()
	expires := now.Add(d.decay)
	for _, rule := range matched {
		sig := &domain.IntentSignal{
			LeadID:           lead.ID,
			Intent:           rule.Intent,
			RuleID:           rule.ID,
			ConfidencePoints: rule.Points,
			TriggerType:      "event",
			EventID:          &event.ID,
			DetectedAt:       now,
			ExpiresAt:        &expires,
		}
		if err := d.signals.InsertSignal(ctx, sig); err != nil {
			return nil, fmt.Errorf("record intent signal: %w", err)
		}
	}

	summary, err := d.signals.ActiveSummary(ctx, lead.ID)
	if err != nil {
		return nil, err
	}
	det.Summary = summary

	primary, confidence := summary.Primary()
	if primary != "" {
		det.Primary = &primary
		det.Confidence = capConfidence(confidence)
	}
	det.NewPrimary = det.Primary != nil &&
		(lead.PrimaryIntent == nil || *lead.PrimaryIntent != *det.Primary)

	if err := d.leads.UpdateIntent(ctx, lead.ID, summary, det.Primary, det.Confidence); err != nil {
		return nil, err
	}
	return det, nil
}

// Refresh recomputes and persists a lead's summary from stored signals
// without any new event. Used after the decay job expires signals.
func (d *Detector) Refresh(ctx context.Context, leadID uuid.UUID) (domain.IntentSummary, error) {
	summary, err := d.signals.ActiveSummary(ctx, leadID)
	if err != nil {
		return summary, err
	}

	var primaryPtr *domain.Intent
	primary, confidence := summary.Primary()
	if primary != "" {
		primaryPtr = &primary
	}
	if err := d.leads.UpdateIntent(ctx, leadID, summary, primaryPtr, capConfidence(confidence)); err != nil {
		return summary, err
	}
	return summary, nil
}

func capConfidence(v int) int {
	if v > maxConfidence {
		return maxConfidence
	}
	return v
}

// Conflicted reports whether a summary's top two intents sit within
// margin of each other, which routes the lead to manual review instead
// of a pipeline.
func Conflicted(s domain.IntentSummary, margin int) bool {
	_, top := s.Primary()
	if top == 0 {
		return false
	}
	second := s.Second()
	return second > 0 && top-second < margin
}
