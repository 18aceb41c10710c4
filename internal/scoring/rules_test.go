package scoring

import (
	"testing"

	"github.com/ignite/leadflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventRule(eventType string, meta map[string]domain.MetadataCondition) *domain.ScoringRule {
	return &domain.ScoringRule{
		RuleType: domain.RuleTypeEvent,
		Conditions: domain.RuleConditions{
			EventType: eventType,
			Metadata:  meta,
		},
	}
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func TestMatchesEventByType(t *testing.T) {
	rule := eventRule("pricing_page_viewed", nil)

	assert.True(t, MatchesEvent(rule, &domain.MarketingEvent{EventType: "pricing_page_viewed"}))
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{EventType: "email_opened"}))
}

func TestMatchesEventScalarMetadata(t *testing.T) {
	rule := eventRule("form_submitted", map[string]domain.MetadataCondition{
		"form": {Scalar: "demo-request"},
	})

	assert.True(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "form_submitted",
		Metadata:  map[string]any{"form": "demo-request"},
	}))
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "form_submitted",
		Metadata:  map[string]any{"form": "newsletter"},
	}))
	// Missing key never matches
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "form_submitted",
		Metadata:  map[string]any{},
	}))
}

func TestMatchesEventNumericCoercion(t *testing.T) {
	rule := eventRule("video_watched", map[string]domain.MetadataCondition{
		"chapter": {Scalar: float64(5)},
	})

	// JSON decodes numbers as float64, producers may send 5 or 5.0
	assert.True(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "video_watched",
		Metadata:  map[string]any{"chapter": float64(5)},
	}))
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "video_watched",
		Metadata:  map[string]any{"chapter": "five"},
	}))
}

func TestMatchesEventComparison(t *testing.T) {
	rule := eventRule("video_watched", map[string]domain.MetadataCondition{
		"watch_seconds": {Comparison: true, GTE: floatPtr(120)},
	})

	assert.True(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "video_watched",
		Metadata:  map[string]any{"watch_seconds": float64(180)},
	}))
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "video_watched",
		Metadata:  map[string]any{"watch_seconds": float64(30)},
	}))
	// Non-numeric value cannot satisfy a comparison
	assert.False(t, MatchesEvent(rule, &domain.MarketingEvent{
		EventType: "video_watched",
		Metadata:  map[string]any{"watch_seconds": true},
	}))
}

func TestMatchesEventComparisonRange(t *testing.T) {
	rule := eventRule("session_recorded", map[string]domain.MetadataCondition{
		"pages": {Comparison: true, GT: floatPtr(3), LTE: floatPtr(20)},
	})

	cases := []struct {
		pages float64
		want  bool
	}{
		{3, false},
		{4, true},
		{20, true},
		{21, false},
	}
	for _, tc := range cases {
		got := MatchesEvent(rule, &domain.MarketingEvent{
			EventType: "session_recorded",
			Metadata:  map[string]any{"pages": tc.pages},
		})
		assert.Equal(t, tc.want, got, "pages=%v", tc.pages)
	}
}

func fieldRule(field string, op domain.FieldOperator, value any) domain.ScoringRule {
	return domain.ScoringRule{
		RuleType: domain.RuleTypeField,
		Conditions: domain.RuleConditions{
			Field: field, Operator: op, Value: value,
		},
	}
}

func mustCompile(t *testing.T, rule domain.ScoringRule) FieldRule {
	t.Helper()
	fr, err := CompileField(rule)
	require.NoError(t, err)
	return fr
}

func TestFieldRuleOperators(t *testing.T) {
	lead := &domain.Lead{
		Email:    "jane@uni.edu",
		JobTitle: strPtr("Marketing Director"),
	}
	org := &domain.Organization{Size: strPtr("200")}

	contains := mustCompile(t, fieldRule("job_title", domain.OpContains, "director"))
	assert.True(t, contains.Matches(lead, org))

	equals := mustCompile(t, fieldRule("job_title", domain.OpEquals, "marketing director"))
	assert.True(t, equals.Matches(lead, org), "equals is case-insensitive")

	in := mustCompile(t, fieldRule("organization.size", domain.OpIn, []any{"200", "500"}))
	assert.True(t, in.Matches(lead, org))

	gte := mustCompile(t, fieldRule("organization.size", domain.OpGTE, float64(100)))
	assert.True(t, gte.Matches(lead, org))
}

func TestFieldRulePatternIsRegex(t *testing.T) {
	org := &domain.Organization{}

	edu := mustCompile(t, fieldRule("email", domain.OpPattern, `\.edu$`))
	assert.True(t, edu.Matches(&domain.Lead{Email: "jane@uni.edu"}, org))
	assert.False(t, edu.Matches(&domain.Lead{Email: "jane@edu.example.com"}, org))

	title := mustCompile(t, fieldRule("job_title", domain.OpPattern, "(vp|chief).*research"))
	assert.True(t, title.Matches(&domain.Lead{JobTitle: strPtr("VP of Research")}, org),
		"patterns match case-insensitively")
	assert.True(t, title.Matches(&domain.Lead{JobTitle: strPtr("Chief Research Officer")}, org))
	assert.False(t, title.Matches(&domain.Lead{JobTitle: strPtr("Head of Research")}, org))
}

func TestCompileFieldRejectsBadPatterns(t *testing.T) {
	_, err := CompileField(fieldRule("email", domain.OpPattern, "("))
	assert.Error(t, err, "an unparsable regex must fail at compile, not match-time")

	_, err = CompileField(fieldRule("email", domain.OpPattern, float64(5)))
	assert.Error(t, err, "pattern values must be strings")
}

func TestFieldRuleMissingValue(t *testing.T) {
	lead := &domain.Lead{Email: "jane@acme.io"}

	rule := mustCompile(t, fieldRule("job_title", domain.OpContains, "director"))
	assert.False(t, rule.Matches(lead, nil), "nil field never matches")

	orgRule := mustCompile(t, fieldRule("organization.industry", domain.OpEquals, "saas"))
	assert.False(t, orgRule.Matches(lead, nil), "org rules need an org")
}

func TestFieldRuleUnknownField(t *testing.T) {
	lead := &domain.Lead{Email: "jane@acme.io", TotalScore: 80}
	rule := mustCompile(t, fieldRule("total_score", domain.OpGTE, float64(10)))
	assert.False(t, rule.Matches(lead, nil), "score columns are not addressable by rules")
}
