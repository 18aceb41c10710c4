package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuleSource struct{ rules []domain.AutomationRule }

func (f *fakeRuleSource) ActiveRules(ctx context.Context) ([]domain.AutomationRule, error) {
	return f.rules, nil
}

type fakeStageLookup struct{ stages map[string][]domain.PipelineStage }

func (f *fakeStageLookup) StagesBySlug(ctx context.Context, slug string) ([]domain.PipelineStage, error) {
	return f.stages[slug], nil
}

type fakeStaleDeals struct{ deals []domain.Deal }

func (f *fakeStaleDeals) StaleInStage(ctx context.Context, stageID uuid.UUID, cutoff time.Time) ([]domain.Deal, error) {
	var out []domain.Deal
	for _, d := range f.deals {
		if d.StageID == stageID && !d.StageEnteredAt.After(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func timeInStageRule(slug string, hours int) domain.AutomationRule {
	return domain.AutomationRule{
		ID:          uuid.New(),
		Name:        "stale nudge",
		TriggerType: domain.TriggerTimeInStage,
		TriggerConfig: map[string]any{
			"stage_slug": slug,
			"hours":      float64(hours),
		},
		IsActive: true,
	}
}

func TestStageSweeperFiresForFreshlyStaleDeals(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io"}
	stage := domain.PipelineStage{ID: uuid.New(), Slug: "new", Name: "New", Position: 1}

	deal := domain.Deal{
		ID:             uuid.New(),
		LeadID:         lead.ID,
		StageID:        stage.ID,
		Status:         domain.DealOpen,
		StageEnteredAt: time.Now().Add(-72*time.Hour - 5*time.Minute),
	}

	autos := &firedTriggers{}
	s := NewStageSweeper(
		&fakeRuleSource{rules: []domain.AutomationRule{timeInStageRule("new", 72)}},
		&fakeStageLookup{stages: map[string][]domain.PipelineStage{"new": {stage}}},
		&fakeStaleDeals{deals: []domain.Deal{deal}},
		newFakeLeadStore(lead),
		autos, nil, 15*time.Minute,
	)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	fired := autos.ofType(domain.TriggerTimeInStage)
	require.Len(t, fired, 1)
	assert.Equal(t, lead.ID, fired[0].Lead.ID)
	assert.Equal(t, "new", fired[0].StageSlug)
}

func TestStageSweeperSkipsDealsStaleBeforeLastSweep(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New()}
	stage := domain.PipelineStage{ID: uuid.New(), Slug: "new"}

	// Crossed the 72h mark long ago; an earlier sweep already fired it.
	old := domain.Deal{
		ID: uuid.New(), LeadID: lead.ID, StageID: stage.ID,
		Status: domain.DealOpen, StageEnteredAt: time.Now().Add(-90 * time.Hour),
	}

	autos := &firedTriggers{}
	s := NewStageSweeper(
		&fakeRuleSource{rules: []domain.AutomationRule{timeInStageRule("new", 72)}},
		&fakeStageLookup{stages: map[string][]domain.PipelineStage{"new": {stage}}},
		&fakeStaleDeals{deals: []domain.Deal{old}},
		newFakeLeadStore(lead),
		autos, nil, 15*time.Minute,
	)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, autos.ofType(domain.TriggerTimeInStage))
}

func TestStageSweeperIgnoresNonStaleAndOtherTriggers(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New()}
	stage := domain.PipelineStage{ID: uuid.New(), Slug: "new"}

	fresh := domain.Deal{
		ID: uuid.New(), LeadID: lead.ID, StageID: stage.ID,
		Status: domain.DealOpen, StageEnteredAt: time.Now().Add(-time.Hour),
	}
	eventRule := domain.AutomationRule{
		ID: uuid.New(), Name: "unrelated", TriggerType: domain.TriggerEvent,
		TriggerConfig: map[string]any{"event_type": "page_visited"}, IsActive: true,
	}

	autos := &firedTriggers{}
	s := NewStageSweeper(
		&fakeRuleSource{rules: []domain.AutomationRule{timeInStageRule("new", 72), eventRule}},
		&fakeStageLookup{stages: map[string][]domain.PipelineStage{"new": {stage}}},
		&fakeStaleDeals{deals: []domain.Deal{fresh}},
		newFakeLeadStore(lead),
		autos, nil, 15*time.Minute,
	)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, autos.triggers)
}
