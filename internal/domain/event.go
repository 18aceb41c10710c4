package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadIdentifier carries the external identifiers an event producer knows
// about a lead. At least one field must be set. Resolution order is fixed:
// email, then portal, waalaxy, linkedin, lemlist.
type LeadIdentifier struct {
	Email       string `json:"email,omitempty"`
	PortalID    string `json:"portal_id,omitempty"`
	WaalaxyID   string `json:"waalaxy_id,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	LemlistID   string `json:"lemlist_id,omitempty"`
}

// Empty reports whether no identifier is present.
func (li LeadIdentifier) Empty() bool {
	return li.Email == "" && li.PortalID == "" && li.WaalaxyID == "" &&
		li.LinkedInURL == "" && li.LemlistID == ""
}

// MarketingEvent is a single behavioral or demographic fact about a lead.
// Rows are immutable after the worker fills the scoring columns; the table
// is range-partitioned by month on occurred_at.
type MarketingEvent struct {
	ID     uuid.UUID  `json:"id" db:"id"`
	LeadID *uuid.UUID `json:"lead_id" db:"lead_id"`

	EventType     string `json:"event_type" db:"event_type"`
	EventCategory string `json:"event_category" db:"event_category"`
	Source        string `json:"source" db:"source"`

	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`

	// Opaque producer-defined payload, minus keys promoted to columns.
	Metadata map[string]any `json:"metadata" db:"metadata"`

	// Identifiers the producer sent, kept on the row so a re-enqueued
	// job can still resolve the lead after the original queue payload
	// is gone.
	LeadIdentifier LeadIdentifier `json:"lead_identifier" db:"lead_identifier"`

	CampaignID    *string `json:"campaign_id" db:"campaign_id"`
	UTMSource     *string `json:"utm_source" db:"utm_source"`
	UTMMedium     *string `json:"utm_medium" db:"utm_medium"`
	UTMCampaign   *string `json:"utm_campaign" db:"utm_campaign"`
	CorrelationID *string `json:"correlation_id" db:"correlation_id"`

	// Filled by the scoring engine.
	ScorePoints   int            `json:"score_points" db:"score_points"`
	ScoreCategory *ScoreCategory `json:"score_category" db:"score_category"`

	// Null while in flight or failed; set by the event worker.
	ProcessedAt *time.Time `json:"processed_at" db:"processed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IntentSignal is an append-only record of one intent rule matching one
// event. Signals expire like score history rows; expired signals are
// treated as absent when summing confidence.
type IntentSignal struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	LeadID           uuid.UUID  `json:"lead_id" db:"lead_id"`
	Intent           Intent     `json:"intent" db:"intent"`
	RuleID           string     `json:"rule_id" db:"rule_id"`
	ConfidencePoints int        `json:"confidence_points" db:"confidence_points"`
	TriggerType      string     `json:"trigger_type" db:"trigger_type"`
	EventID          *uuid.UUID `json:"event_id" db:"event_id"`
	DetectedAt       time.Time  `json:"detected_at" db:"detected_at"`
	ExpiresAt        *time.Time `json:"expires_at" db:"expires_at"`
	Expired          bool       `json:"expired" db:"expired"`
	ExpiredAt        *time.Time `json:"expired_at" db:"expired_at"`
}
