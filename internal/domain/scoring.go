package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ScoreCategory is one of the three score dimensions kept per lead.
type ScoreCategory string

const (
	CategoryDemographic ScoreCategory = "demographic"
	CategoryEngagement  ScoreCategory = "engagement"
	CategoryBehavior    ScoreCategory = "behavior"
)

// RuleType distinguishes rules matched against events from rules matched
// against lead/organization fields.
type RuleType string

const (
	RuleTypeEvent RuleType = "event"
	RuleTypeField RuleType = "field"
)

// FieldOperator is the closed set of operators a field rule may use.
type FieldOperator string

const (
	OpEquals   FieldOperator = "equals"
	OpIn       FieldOperator = "in"
	OpContains FieldOperator = "contains"
	OpPattern  FieldOperator = "pattern"
	OpGTE      FieldOperator = "gte"
	OpLTE      FieldOperator = "lte"
)

// MetadataCondition matches one metadata key. It is either a scalar
// (strict equality) or a numeric comparison against the coerced value.
// This is a closed tagged variant, not an expression language.
type MetadataCondition struct {
	Scalar any

	Comparison bool
	LT         *float64
	LTE        *float64
	GT         *float64
	GTE        *float64
}

// UnmarshalJSON accepts either a bare scalar or a comparison object of the
// form {"gte": 5}. An object with no recognized comparison key is treated
// as a scalar (strict equality on the whole object is never useful, so
// unknown objects simply never match).
func (m *MetadataCondition) UnmarshalJSON(data []byte) error {
	var obj map[string]*float64
	if err := json.Unmarshal(data, &obj); err == nil {
		lt, hasLT := obj["lt"]
		lte, hasLTE := obj["lte"]
		gt, hasGT := obj["gt"]
		gte, hasGTE := obj["gte"]
		if hasLT || hasLTE || hasGT || hasGTE {
			m.Comparison = true
			m.LT, m.LTE, m.GT, m.GTE = lt, lte, gt, gte
			return nil
		}
	}
	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}
	m.Scalar = scalar
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (m MetadataCondition) MarshalJSON() ([]byte, error) {
	if !m.Comparison {
		return json.Marshal(m.Scalar)
	}
	obj := map[string]*float64{}
	if m.LT != nil {
		obj["lt"] = m.LT
	}
	if m.LTE != nil {
		obj["lte"] = m.LTE
	}
	if m.GT != nil {
		obj["gt"] = m.GT
	}
	if m.GTE != nil {
		obj["gte"] = m.GTE
	}
	return json.Marshal(obj)
}

// Holds reports whether a metadata value satisfies the condition.
// Scalars compare with numeric coercion, so JSON 5 and 5.0 are equal;
// comparisons apply to the coerced number and fail on non-numeric values.
func (m MetadataCondition) Holds(val any) bool {
	if m.Comparison {
		n, ok := CoerceNumber(val)
		if !ok {
			return false
		}
		if m.LT != nil && !(n < *m.LT) {
			return false
		}
		if m.LTE != nil && !(n <= *m.LTE) {
			return false
		}
		if m.GT != nil && !(n > *m.GT) {
			return false
		}
		if m.GTE != nil && !(n >= *m.GTE) {
			return false
		}
		return true
	}

	if wn, ok := CoerceNumber(m.Scalar); ok {
		gn, ok := CoerceNumber(val)
		return ok && wn == gn
	}
	if ws, ok := m.Scalar.(string); ok {
		gs, ok := val.(string)
		return ok && ws == gs
	}
	if wb, ok := m.Scalar.(bool); ok {
		gb, ok := val.(bool)
		return ok && wb == gb
	}
	return false
}

// CoerceNumber widens the numeric shapes JSON decoding and callers
// produce into a float64.
func CoerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// RuleConditions is the structured predicate carried by a scoring rule.
// Event rules use EventType and Metadata; field rules use Field, Operator
// and Value.
type RuleConditions struct {
	// rule_type = "event"
	EventType string                       `json:"event_type,omitempty"`
	Metadata  map[string]MetadataCondition `json:"metadata,omitempty"`

	// rule_type = "field"
	Field    string        `json:"field,omitempty"`
	Operator FieldOperator `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
}

// ScoringRule is an admin-configured rule. The core reads a snapshot of
// active rules at worker startup and reloads on command.
type ScoringRule struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Slug       string         `json:"slug" db:"slug"`
	Category   ScoreCategory  `json:"category" db:"category"`
	RuleType   RuleType       `json:"rule_type" db:"rule_type"`
	Conditions RuleConditions `json:"conditions" db:"conditions"`
	Points     int            `json:"points" db:"points"`
	MaxPerDay  *int           `json:"max_per_day" db:"max_per_day"`
	MaxPerLead *int           `json:"max_per_lead" db:"max_per_lead"`
	DecayDays  *int           `json:"decay_days" db:"decay_days"`
	IsActive   bool           `json:"is_active" db:"is_active"`
	Priority   int            `json:"priority" db:"priority"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ScoreHistory is one applied rule. Non-expired rows sum to the lead's
// live category totals; the decay job flips expired one-way.
type ScoreHistory struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	LeadID       uuid.UUID     `json:"lead_id" db:"lead_id"`
	EventID      *uuid.UUID    `json:"event_id" db:"event_id"`
	RuleID       uuid.UUID     `json:"rule_id" db:"rule_id"`
	Category     ScoreCategory `json:"category" db:"category"`
	PointsChange int           `json:"points_change" db:"points_change"`
	// Category total observed at insertion time. Debugging hint only; the
	// recalc primitive recomputes totals from non-expired rows.
	NewTotal  int        `json:"new_total" db:"new_total"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	Expired   bool       `json:"expired" db:"expired"`
	ExpiredAt *time.Time `json:"expired_at" db:"expired_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// ScoreTier buckets a total score for notification purposes. Tiers are
// never stored.
type ScoreTier string

const (
	TierCold    ScoreTier = "cold"
	TierWarm    ScoreTier = "warm"
	TierHot     ScoreTier = "hot"
	TierVeryHot ScoreTier = "very_hot"
)
