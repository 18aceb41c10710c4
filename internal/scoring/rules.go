package scoring

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/leadflow/internal/domain"
)

// MatchesEvent reports whether an event rule matches the given event:
// the event type must equal the rule's and every metadata condition must
// hold. A missing metadata key never matches.
func MatchesEvent(rule *domain.ScoringRule, event *domain.MarketingEvent) bool {
	if rule.RuleType != domain.RuleTypeEvent {
		return false
	}
	if rule.Conditions.EventType != event.EventType {
		return false
	}
	for key, cond := range rule.Conditions.Metadata {
		val, ok := event.Metadata[key]
		if !ok {
			return false
		}
		if !cond.Holds(val) {
			return false
		}
	}
	return true
}

// FieldRule is a field-type scoring rule with its pattern operator
// compiled. Rules are compiled once at snapshot load so a bad regex is a
// reload error, not a silent per-event miss.
type FieldRule struct {
	Rule    domain.ScoringRule
	pattern *regexp.Regexp
}

// CompileField validates a field rule and compiles its pattern, if any.
// Patterns match case-insensitively.
func CompileField(rule domain.ScoringRule) (FieldRule, error) {
	fr := FieldRule{Rule: rule}
	if rule.RuleType != domain.RuleTypeField {
		return fr, fmt.Errorf("rule %s is not a field rule", rule.Slug)
	}
	if rule.Conditions.Operator != domain.OpPattern {
		return fr, nil
	}
	s, ok := rule.Conditions.Value.(string)
	if !ok {
		return fr, fmt.Errorf("rule %s: pattern value must be a string", rule.Slug)
	}
	re, err := regexp.Compile("(?i)" + s)
	if err != nil {
		return fr, fmt.Errorf("rule %s: bad pattern: %w", rule.Slug, err)
	}
	fr.pattern = re
	return fr, nil
}

// Matches evaluates the rule against the lead and its organization.
// Unknown fields and unresolvable values never match.
func (fr *FieldRule) Matches(lead *domain.Lead, org *domain.Organization) bool {
	val, ok := fieldValue(fr.Rule.Conditions.Field, lead, org)
	if !ok {
		return false
	}
	return applyOperator(fr.Rule.Conditions.Operator, val, fr.Rule.Conditions.Value, fr.pattern)
}

// fieldValue resolves the closed set of addressable lead/org fields.
func fieldValue(field string, lead *domain.Lead, org *domain.Organization) (string, bool) {
	deref := func(p *string) (string, bool) {
		if p == nil {
			return "", false
		}
		return *p, true
	}

	switch field {
	case "email":
		return lead.Email, lead.Email != ""
	case "first_name":
		return deref(lead.FirstName)
	case "last_name":
		return deref(lead.LastName)
	case "job_title":
		return deref(lead.JobTitle)
	case "phone":
		return deref(lead.Phone)
	case "lifecycle_stage":
		return string(lead.LifecycleStage), true
	case "status":
		return string(lead.Status), true
	}

	if org == nil {
		return "", false
	}
	switch field {
	case "organization.name":
		return org.Name, org.Name != ""
	case "organization.domain":
		return deref(org.Domain)
	case "organization.industry":
		return deref(org.Industry)
	case "organization.size":
		return deref(org.Size)
	case "organization.country":
		return deref(org.Country)
	}
	return "", false
}

func applyOperator(op domain.FieldOperator, val string, want any, pattern *regexp.Regexp) bool {
	switch op {
	case domain.OpEquals:
		s, ok := want.(string)
		return ok && strings.EqualFold(val, s)
	case domain.OpIn:
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if s, ok := item.(string); ok && strings.EqualFold(val, s) {
				return true
			}
		}
		return false
	case domain.OpContains:
		s, ok := want.(string)
		return ok && strings.Contains(strings.ToLower(val), strings.ToLower(s))
	case domain.OpPattern:
		return pattern != nil && pattern.MatchString(val)
	case domain.OpGTE:
		vn, ok1 := domain.CoerceNumber(val)
		wn, ok2 := domain.CoerceNumber(want)
		return ok1 && ok2 && vn >= wn
	case domain.OpLTE:
		vn, ok1 := domain.CoerceNumber(val)
		wn, ok2 := domain.CoerceNumber(want)
		return ok1 && ok2 && vn <= wn
	}
	return false
}
