// Package intent classifies leads onto the three product axes (research,
// b2b, co_creation) from the behavioral events they produce.
package intent

import (
	"github.com/ignite/leadflow/internal/domain"
)

// Rule maps one event shape to an intent with a confidence weight.
// The table is code, not data: intents are product axes that change with
// releases, not with admin configuration.
type Rule struct {
	ID        string
	EventType string
	// Optional metadata guards; all must hold.
	Metadata map[string]domain.MetadataCondition
	Intent   domain.Intent
	Points   int
}

// Rules is the fixed detection table, evaluated in order. Multiple rules
// may match one event.
var Rules = []Rule{
	// Research lab
	{ID: "research-sample-report", EventType: "sample_report_downloaded", Intent: domain.IntentResearch, Points: 25},
	{ID: "research-methodology", EventType: "methodology_page_viewed", Intent: domain.IntentResearch, Points: 15},
	{ID: "research-webinar", EventType: "research_webinar_attended", Intent: domain.IntentResearch, Points: 20},
	{ID: "research-study-brief", EventType: "form_submitted",
		Metadata: map[string]domain.MetadataCondition{"form": {Scalar: "study-brief"}},
		Intent:   domain.IntentResearch, Points: 30},

	// B2B lab enablement
	{ID: "b2b-roi-calculator", EventType: "roi_calculator_submitted", Intent: domain.IntentB2B, Points: 30},
	{ID: "b2b-demo-request", EventType: "demo_requested", Intent: domain.IntentB2B, Points: 25},
	{ID: "b2b-pricing", EventType: "pricing_page_viewed", Intent: domain.IntentB2B, Points: 10},
	{ID: "b2b-case-study", EventType: "case_study_downloaded", Intent: domain.IntentB2B, Points: 15},

	// Panel co-creation
	{ID: "cocreation-community", EventType: "community_joined", Intent: domain.IntentCoCreation, Points: 20},
	{ID: "cocreation-panel-signup", EventType: "panel_signup_started", Intent: domain.IntentCoCreation, Points: 25},
	{ID: "cocreation-workshop", EventType: "workshop_registered", Intent: domain.IntentCoCreation, Points: 30},
	{ID: "cocreation-panel-application", EventType: "form_submitted",
		Metadata: map[string]domain.MetadataCondition{"form": {Scalar: "panel-application"}},
		Intent:   domain.IntentCoCreation, Points: 30},
}

// Match returns the rules triggered by an event, in table order.
func Match(event *domain.MarketingEvent) []Rule {
	var out []Rule
	for _, r := range Rules {
		if r.EventType != event.EventType {
			continue
		}
		if !metadataHolds(r.Metadata, event.Metadata) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func metadataHolds(conds map[string]domain.MetadataCondition, meta map[string]any) bool {
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
