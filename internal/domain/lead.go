package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus enumerates the sales states a lead can be in.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadNurturing LeadStatus = "nurturing"
	LeadCustomer  LeadStatus = "customer"
	LeadChurned   LeadStatus = "churned"
)

// LifecycleStage enumerates the marketing funnel stages.
type LifecycleStage string

const (
	StageLead        LifecycleStage = "lead"
	StageMQL         LifecycleStage = "mql"
	StageSQL         LifecycleStage = "sql"
	StageOpportunity LifecycleStage = "opportunity"
	StageCustomer    LifecycleStage = "customer"
)

// RoutingStatus enumerates where a lead stands in pipeline routing.
type RoutingStatus string

const (
	RoutingUnrouted     RoutingStatus = "unrouted"
	RoutingPending      RoutingStatus = "pending"
	RoutingRouted       RoutingStatus = "routed"
	RoutingManualReview RoutingStatus = "manual_review"
)

// Intent is one of the three product axes a lead can be classified on.
type Intent string

const (
	IntentResearch   Intent = "research"
	IntentB2B        Intent = "b2b"
	IntentCoCreation Intent = "co_creation"
)

// IntentSummary holds per-intent confidence point totals for a lead.
// Each counter equals the sum of confidence_points over the lead's
// non-expired intent signals for that intent.
type IntentSummary struct {
	Research   int `json:"research" db:"intent_research"`
	B2B        int `json:"b2b" db:"intent_b2b"`
	CoCreation int `json:"co_creation" db:"intent_co_creation"`
}

// Primary returns the argmax intent and its value. Ties break in product
// priority order: research > b2b > co_creation. Returns ("", 0) when all
// three counters are zero.
func (s IntentSummary) Primary() (Intent, int) {
	top, val := Intent(""), 0
	if s.Research > val {
		top, val = IntentResearch, s.Research
	}
	if s.B2B > val {
		top, val = IntentB2B, s.B2B
	}
	if s.CoCreation > val {
		top, val = IntentCoCreation, s.CoCreation
	}
	return top, val
}

// Second returns the second-highest counter value.
func (s IntentSummary) Second() int {
	a, b := 0, 0
	for _, v := range []int{s.Research, s.B2B, s.CoCreation} {
		if v > a {
			a, b = v, a
		} else if v > b {
			b = v
		}
	}
	return b
}

// Lead is the primary entity: a sales prospect tracked by the system.
type Lead struct {
	ID    uuid.UUID `json:"id" db:"id"`
	Email string    `json:"email" db:"email"`

	FirstName *string `json:"first_name" db:"first_name"`
	LastName  *string `json:"last_name" db:"last_name"`
	Phone     *string `json:"phone" db:"phone"`
	JobTitle  *string `json:"job_title" db:"job_title"`

	// External identifiers, filled opportunistically from event metadata.
	PortalID    *string `json:"portal_id" db:"portal_id"`
	WaalaxyID   *string `json:"waalaxy_id" db:"waalaxy_id"`
	LinkedInURL *string `json:"linkedin_url" db:"linkedin_url"`
	LemlistID   *string `json:"lemlist_id" db:"lemlist_id"`

	OrganizationID *uuid.UUID `json:"organization_id" db:"organization_id"`

	Status         LeadStatus     `json:"status" db:"status"`
	LifecycleStage LifecycleStage `json:"lifecycle_stage" db:"lifecycle_stage"`

	// Score columns are written only by the stored recalc primitive.
	// total_score = demographic + engagement + behavior, always.
	DemographicScore int `json:"demographic_score" db:"demographic_score"`
	EngagementScore  int `json:"engagement_score" db:"engagement_score"`
	BehaviorScore    int `json:"behavior_score" db:"behavior_score"`
	TotalScore       int `json:"total_score" db:"total_score"`

	RoutingStatus RoutingStatus `json:"routing_status" db:"routing_status"`
	PipelineID    *uuid.UUID    `json:"pipeline_id" db:"pipeline_id"`
	RoutedAt      *time.Time    `json:"routed_at" db:"routed_at"`

	PrimaryIntent    *Intent       `json:"primary_intent" db:"primary_intent"`
	IntentConfidence int           `json:"intent_confidence" db:"intent_confidence"`
	IntentSummary    IntentSummary `json:"intent_summary"`

	FirstTouchSource   *string    `json:"first_touch_source" db:"first_touch_source"`
	FirstTouchCampaign *string    `json:"first_touch_campaign" db:"first_touch_campaign"`
	FirstTouchAt       *time.Time `json:"first_touch_at" db:"first_touch_at"`
	LastTouchSource    *string    `json:"last_touch_source" db:"last_touch_source"`
	LastTouchCampaign  *string    `json:"last_touch_campaign" db:"last_touch_campaign"`
	LastTouchAt        *time.Time `json:"last_touch_at" db:"last_touch_at"`

	LastActivityAt *time.Time `json:"last_activity_at" db:"last_activity_at"`

	// Read-only in the core; set by the external GDPR workflow.
	GDPRDeleteRequested bool `json:"gdpr_delete_requested" db:"gdpr_delete_requested"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Organization is a company a lead belongs to, created on demand from
// event metadata carrying company info.
type Organization struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Name     string    `json:"name" db:"name"`
	Domain   *string   `json:"domain" db:"domain"`
	Industry *string   `json:"industry" db:"industry"`
	Size     *string   `json:"size" db:"size"`
	Country  *string   `json:"country" db:"country"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
