package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/automation"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/intent"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/repository/postgres"
	"github.com/ignite/leadflow/internal/scoring"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventStore struct {
	events    map[uuid.UUID]*domain.MarketingEvent
	attached  map[uuid.UUID]uuid.UUID
	processed map[uuid.UUID]bool
	scored    map[uuid.UUID]int
}

func newFakeEventStore(events ...*domain.MarketingEvent) *fakeEventStore {
	f := &fakeEventStore{
		events:    map[uuid.UUID]*domain.MarketingEvent{},
		attached:  map[uuid.UUID]uuid.UUID{},
		processed: map[uuid.UUID]bool{},
		scored:    map[uuid.UUID]int{},
	}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEventStore) Get(ctx context.Context, id uuid.UUID) (*domain.MarketingEvent, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventStore) AttachLead(ctx context.Context, eventID, leadID uuid.UUID) error {
	f.attached[eventID] = leadID
	return nil
}

func (f *fakeEventStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	f.processed[eventID] = true
	now := time.Now()
	f.events[eventID].ProcessedAt = &now
	return nil
}

func (f *fakeEventStore) StampScore(ctx context.Context, eventID uuid.UUID, points int, category *domain.ScoreCategory) error {
	f.scored[eventID] = points
	return nil
}

type fakeLeadStore struct {
	byID      map[uuid.UUID]*domain.Lead
	byEmail   map[string]*domain.Lead
	created   []domain.Lead
	statusSet map[uuid.UUID]domain.RoutingStatus
	touched   map[uuid.UUID]time.Time
}

func newFakeLeadStore(leads ...*domain.Lead) *fakeLeadStore {
	f := &fakeLeadStore{
		byID:      map[uuid.UUID]*domain.Lead{},
		byEmail:   map[string]*domain.Lead{},
		statusSet: map[uuid.UUID]domain.RoutingStatus{},
		touched:   map[uuid.UUID]time.Time{},
	}
	for _, l := range leads {
		f.byID[l.ID] = l
		f.byEmail[l.Email] = l
	}
	return f
}

func (f *fakeLeadStore) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	l, ok := f.byID[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLeadStore) FindByIdentifier(ctx context.Context, ident domain.LeadIdentifier) (*domain.Lead, error) {
	if ident.Email != "" {
		if l, ok := f.byEmail[ident.Email]; ok {
			cp := *l
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeLeadStore) Create(ctx context.Context, l *domain.Lead) (*domain.Lead, error) {
	l.ID = uuid.New()
	l.Status = domain.LeadNew
	l.RoutingStatus = domain.RoutingUnrouted
	f.byID[l.ID] = l
	f.byEmail[l.Email] = l
	f.created = append(f.created, *l)
	return l, nil
}

func (f *fakeLeadStore) FillMissingProfile(ctx context.Context, id uuid.UUID, l *domain.Lead) error {
	stored := f.byID[id]
	if stored.JobTitle == nil {
		stored.JobTitle = l.JobTitle
	}
	if stored.FirstName == nil {
		stored.FirstName = l.FirstName
	}
	return nil
}

func (f *fakeLeadStore) LinkOrganization(ctx context.Context, leadID, orgID uuid.UUID) error {
	f.byID[leadID].OrganizationID = &orgID
	return nil
}

func (f *fakeLeadStore) UpdateAttribution(ctx context.Context, id uuid.UUID, source string, campaign *string, at time.Time) error {
	l := f.byID[id]
	if l.FirstTouchSource == nil {
		l.FirstTouchSource = &source
		l.FirstTouchAt = &at
	}
	l.LastTouchSource = &source
	l.LastTouchAt = &at
	return nil
}

func (f *fakeLeadStore) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.touched[id] = at
	return nil
}

func (f *fakeLeadStore) SetRoutingStatus(ctx context.Context, id uuid.UUID, status domain.RoutingStatus, pipelineID *uuid.UUID) error {
	f.statusSet[id] = status
	f.byID[id].RoutingStatus = status
	return nil
}

type fakeOrgStore struct {
	orgs map[string]*domain.Organization
}

func (f *fakeOrgStore) FindOrCreateByDomain(ctx context.Context, webDomain, name string) (*domain.Organization, error) {
	if f.orgs == nil {
		f.orgs = map[string]*domain.Organization{}
	}
	if org, ok := f.orgs[webDomain]; ok {
		return org, nil
	}
	org := &domain.Organization{ID: uuid.New(), Name: name}
	f.orgs[webDomain] = org
	return org, nil
}

func (f *fakeOrgStore) FillMissing(ctx context.Context, id uuid.UUID, industry, size, country *string) error {
	return nil
}

func (f *fakeOrgStore) Get(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return nil, postgres.ErrNotFound
}

type fakeScorer struct {
	result *scoring.Result
	err    error
	lead   *domain.Lead
	calls  int
}

func (f *fakeScorer) ProcessEvent(ctx context.Context, lead *domain.Lead, org *domain.Organization, event *domain.MarketingEvent) (*scoring.Result, error) {
	f.calls++
	f.lead = lead
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &scoring.Result{OldTotal: lead.TotalScore, NewTotal: lead.TotalScore}, nil
}

type fakeDetector struct {
	detection *intent.Detection
	err       error
	calls     int
}

func (f *fakeDetector) Process(ctx context.Context, lead *domain.Lead, event *domain.MarketingEvent) (*intent.Detection, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.detection != nil {
		return f.detection, nil
	}
	return &intent.Detection{Summary: lead.IntentSummary, Primary: lead.PrimaryIntent, Confidence: lead.IntentConfidence}, nil
}

type firedTriggers struct {
	triggers []automation.Trigger
}

func (f *firedTriggers) Fire(ctx context.Context, trig automation.Trigger) int {
	f.triggers = append(f.triggers, trig)
	return 0
}

func (f *firedTriggers) ofType(t domain.TriggerType) []automation.Trigger {
	var out []automation.Trigger
	for _, trig := range f.triggers {
		if trig.Type == t {
			out = append(out, trig)
		}
	}
	return out
}

func testRoutingQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, queue.QueueRouting, queue.Options{})
}

func eventJob(t *testing.T, e *domain.MarketingEvent, ident domain.LeadIdentifier) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(EventJob{EventID: e.ID, Identifier: ident})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.New().String(), Payload: payload}
}

func TestEventWorkerCreatesLeadAndProcesses(t *testing.T) {
	event := &domain.MarketingEvent{
		ID:            uuid.New(),
		EventType:     "demo_requested",
		EventCategory: "conversion",
		Source:        "portal",
		OccurredAt:    time.Now(),
		Metadata:      map[string]any{"first_name": "Jane", "job_title": "CTO"},
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore()
	scorer := &fakeScorer{}
	autos := &firedTriggers{}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, scorer, &fakeDetector{}, autos,
		testRoutingQueue(t), EventWorkerConfig{MinScore: 40, MinIntent: 60})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	require.Len(t, leads.created, 1)
	assert.Equal(t, "jane@acme.io", leads.created[0].Email)

	leadID := leads.created[0].ID
	assert.Equal(t, leadID, events.attached[event.ID])
	assert.Contains(t, events.processed, event.ID)
	assert.Contains(t, leads.touched, leadID)

	// Event trigger fired once
	assert.Len(t, autos.ofType(domain.TriggerEvent), 1)
}

func TestEventWorkerIdempotentOnProcessedEvent(t *testing.T) {
	now := time.Now()
	event := &domain.MarketingEvent{
		ID:          uuid.New(),
		EventType:   "email_opened",
		ProcessedAt: &now,
	}
	events := newFakeEventStore(event)
	autos := &firedTriggers{}

	w := NewEventWorker(events, newFakeLeadStore(), &fakeOrgStore{}, &fakeScorer{},
		&fakeDetector{}, autos, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "x@y.z"}))
	require.NoError(t, err)
	assert.Empty(t, events.processed, "redelivery must not reprocess")
	assert.Empty(t, autos.triggers)
}

func TestEventWorkerResolvesExistingLead(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io"}
	event := &domain.MarketingEvent{
		ID:         uuid.New(),
		EventType:  "email_opened",
		Source:     "lemlist",
		OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)

	w := NewEventWorker(events, leads, &fakeOrgStore{}, &fakeScorer{}, &fakeDetector{},
		&firedTriggers{}, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	assert.Empty(t, leads.created, "existing lead must be reused")
	assert.Equal(t, lead.ID, events.attached[event.ID])
}

func TestEventWorkerFailsWithoutIdentifier(t *testing.T) {
	event := &domain.MarketingEvent{ID: uuid.New(), EventType: "email_opened", OccurredAt: time.Now()}
	events := newFakeEventStore(event)

	w := NewEventWorker(events, newFakeLeadStore(), &fakeOrgStore{}, &fakeScorer{},
		&fakeDetector{}, &firedTriggers{}, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{}))
	assert.Error(t, err)
	assert.Empty(t, events.processed)
}

func TestEventWorkerCreatesLeadFromExternalIDOnly(t *testing.T) {
	event := &domain.MarketingEvent{
		ID:         uuid.New(),
		EventType:  "community_joined",
		Source:     "waalaxy",
		OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore()

	w := NewEventWorker(events, leads, &fakeOrgStore{}, &fakeScorer{}, &fakeDetector{},
		&firedTriggers{}, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{WaalaxyID: "w-42"}))
	require.NoError(t, err)

	require.Len(t, leads.created, 1, "an external id alone is enough to create the lead")
	assert.Empty(t, leads.created[0].Email)
	require.NotNil(t, leads.created[0].WaalaxyID)
	assert.Equal(t, "w-42", *leads.created[0].WaalaxyID)
	assert.Contains(t, events.processed, event.ID)
}

func TestEventWorkerResolvesIdentifierFromEventRow(t *testing.T) {
	// A janitor re-enqueue carries no identifier in the payload; the one
	// persisted at ingest must still resolve the lead.
	event := &domain.MarketingEvent{
		ID:             uuid.New(),
		EventType:      "demo_requested",
		Source:         "portal",
		OccurredAt:     time.Now(),
		LeadIdentifier: domain.LeadIdentifier{Email: "jane@acme.io"},
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore()

	w := NewEventWorker(events, leads, &fakeOrgStore{}, &fakeScorer{}, &fakeDetector{},
		&firedTriggers{}, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{}))
	require.NoError(t, err)

	require.Len(t, leads.created, 1)
	assert.Equal(t, "jane@acme.io", leads.created[0].Email)
	assert.Contains(t, events.processed, event.ID)
}

func TestEventWorkerScoringFailureDoesNotAbort(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io", TotalScore: 20}
	event := &domain.MarketingEvent{
		ID: uuid.New(), EventType: "demo_requested", Source: "portal", OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)
	autos := &firedTriggers{}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, &fakeScorer{err: assert.AnError},
		&fakeDetector{}, autos, testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err, "a scoring failure is logged, not retried")

	assert.Contains(t, events.processed, event.ID)
	assert.NotContains(t, events.scored, event.ID, "no score stamp without a scoring result")
	assert.Len(t, autos.ofType(domain.TriggerEvent), 1, "event triggers still fire")
}

func TestEventWorkerIntentFailureStillCompletesEvent(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io"}
	event := &domain.MarketingEvent{
		ID: uuid.New(), EventType: "roi_calculator_submitted", Source: "portal", OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)
	detector := &fakeDetector{err: assert.AnError}
	autos := &firedTriggers{}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, &fakeScorer{}, detector, autos,
		testRoutingQueue(t), EventWorkerConfig{})

	job := eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"})
	err := w.Handle(context.Background(), job)
	require.NoError(t, err)

	assert.Contains(t, events.processed, event.ID)
	assert.Len(t, autos.ofType(domain.TriggerEvent), 1)

	// A redelivery hits the processed_at check and does not run the
	// pipeline again.
	detector.err = nil
	require.NoError(t, w.Handle(context.Background(), job))
	assert.Equal(t, 1, detector.calls)
}

func TestEventWorkerFiresScoreAndIntentTriggers(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io"}
	event := &domain.MarketingEvent{
		ID: uuid.New(), EventType: "roi_calculator_submitted", Source: "portal", OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)

	b2b := domain.IntentB2B
	scorer := &fakeScorer{result: &scoring.Result{OldTotal: 35, NewTotal: 55}}
	detector := &fakeDetector{detection: &intent.Detection{
		Summary:    domain.IntentSummary{B2B: 30},
		Primary:    &b2b,
		Confidence: 30,
		NewPrimary: true,
	}}
	autos := &firedTriggers{}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, scorer, detector, autos,
		testRoutingQueue(t), EventWorkerConfig{MinScore: 40, MinIntent: 60})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	assert.Len(t, autos.ofType(domain.TriggerEvent), 1)

	scoreTrigs := autos.ofType(domain.TriggerScoreThreshold)
	require.Len(t, scoreTrigs, 1)
	assert.Equal(t, 35, scoreTrigs[0].OldScore)
	assert.Equal(t, 55, scoreTrigs[0].NewScore)

	intentTrigs := autos.ofType(domain.TriggerIntentDetected)
	require.Len(t, intentTrigs, 1)
	assert.Equal(t, domain.IntentB2B, *intentTrigs[0].Intent)
}

func TestEventWorkerEnqueuesRoutingWhenEligible(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io", RoutingStatus: domain.RoutingUnrouted}
	event := &domain.MarketingEvent{
		ID: uuid.New(), EventType: "demo_requested", Source: "portal", OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)
	routing := testRoutingQueue(t)

	b2b := domain.IntentB2B
	scorer := &fakeScorer{result: &scoring.Result{OldTotal: 30, NewTotal: 50}}
	detector := &fakeDetector{detection: &intent.Detection{
		Primary: &b2b, Confidence: 65, Summary: domain.IntentSummary{B2B: 65},
	}}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, scorer, detector, &firedTriggers{},
		routing, EventWorkerConfig{MinScore: 40, MinIntent: 60})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	assert.Equal(t, domain.RoutingPending, leads.statusSet[lead.ID])

	job, err := routing.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job, "routing job must be enqueued")
	var rj RoutingJob
	require.NoError(t, json.Unmarshal(job.Payload, &rj))
	assert.Equal(t, lead.ID, rj.LeadID)
}

func TestEventWorkerSkipsRoutingBelowThresholds(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io", RoutingStatus: domain.RoutingUnrouted}
	event := &domain.MarketingEvent{
		ID: uuid.New(), EventType: "email_opened", Source: "lemlist", OccurredAt: time.Now(),
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)
	routing := testRoutingQueue(t)

	scorer := &fakeScorer{result: &scoring.Result{OldTotal: 10, NewTotal: 20}}

	w := NewEventWorker(events, leads, &fakeOrgStore{}, scorer, &fakeDetector{}, &firedTriggers{},
		routing, EventWorkerConfig{MinScore: 40, MinIntent: 60})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	job, err := routing.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job, "below thresholds nothing is enqueued")
	assert.NotContains(t, leads.statusSet, lead.ID)
}

func TestEventWorkerLinksOrganizationFromMetadata(t *testing.T) {
	lead := &domain.Lead{ID: uuid.New(), Email: "jane@acme.io"}
	event := &domain.MarketingEvent{
		ID:         uuid.New(),
		EventType:  "form_submitted",
		Source:     "portal",
		OccurredAt: time.Now(),
		Metadata: map[string]any{
			"company_domain": "acme.io",
			"company_name":   "Acme GmbH",
		},
	}
	events := newFakeEventStore(event)
	leads := newFakeLeadStore(lead)
	orgs := &fakeOrgStore{}

	w := NewEventWorker(events, leads, orgs, &fakeScorer{}, &fakeDetector{}, &firedTriggers{},
		testRoutingQueue(t), EventWorkerConfig{})

	err := w.Handle(context.Background(), eventJob(t, event, domain.LeadIdentifier{Email: "jane@acme.io"}))
	require.NoError(t, err)

	require.Contains(t, orgs.orgs, "acme.io")
	require.NotNil(t, leads.byID[lead.ID].OrganizationID)
	assert.Equal(t, orgs.orgs["acme.io"].ID, *leads.byID[lead.ID].OrganizationID)
}
