package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/config"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/worker"
)

// maxEnvelopeBytes bounds the ingest request body. Event envelopes are
// small; anything larger is a misbehaving producer.
const maxEnvelopeBytes = 1 << 20

// IngestRequest is the event envelope producers POST.
type IngestRequest struct {
	EventType      string                `json:"event_type"`
	EventCategory  string                `json:"event_category"`
	Source         string                `json:"source"`
	OccurredAt     string                `json:"occurred_at"`
	LeadIdentifier domain.LeadIdentifier `json:"lead_identifier"`
	Metadata       map[string]any        `json:"metadata"`
	CorrelationID  *string               `json:"correlation_id"`
}

// EventStore is the slice of event storage the ingest handler needs.
type EventStore interface {
	InsertPreliminary(ctx context.Context, e *domain.MarketingEvent) (bool, error)
	FindByCorrelation(ctx context.Context, source, correlationID string) (*domain.MarketingEvent, error)
}

// IngestHandler accepts marketing events, persists a preliminary row and
// hands the event to the events queue. Everything beyond validation and
// persistence happens asynchronously in the event worker.
type IngestHandler struct {
	auth   *Authenticator
	events EventStore
	queue  *queue.Queue
	cfg    config.IngestConfig
	nowFn  func() time.Time
}

// NewIngestHandler wires the ingest handler.
func NewIngestHandler(auth *Authenticator, events EventStore, q *queue.Queue, cfg config.IngestConfig) *IngestHandler {
	return &IngestHandler{
		auth:   auth,
		events: events,
		queue:  q,
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// HandleIngest implements POST /events/ingest.
func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "body_unreadable", "could not read request body")
		return
	}
	if len(body) > maxEnvelopeBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", "event envelope exceeds 1MB")
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	if !h.auth.Authenticate(req.Source, r.Header.Get("X-API-Key"), r.Header.Get("X-Webhook-Signature"), body) {
		respondError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials for source")
		return
	}

	event, code := h.buildEvent(&req)
	if code != "" {
		respondError(w, http.StatusBadRequest, code, validationMessage(code))
		return
	}

	inserted, err := h.events.InsertPreliminary(r.Context(), event)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "event could not be stored")
		return
	}
	if !inserted {
		// Idempotency hit: a producer retried with the same correlation id.
		// The insert only no-ops on a correlation conflict, so the id is set.
		if req.CorrelationID == nil {
			respondSafeError(w, http.StatusInternalServerError, "storage_unavailable",
				errors.New("insert no-op without correlation id"), "event could not be stored")
			return
		}
		existing, err := h.events.FindByCorrelation(r.Context(), req.Source, *req.CorrelationID)
		if err != nil {
			respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "event could not be stored")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"event_id": existing.ID, "status": "duplicate"})
		return
	}

	// Enqueue failure is not fatal: the row sits with processed_at NULL
	// and the janitor re-enqueues it on its next scan.
	_, err = h.queue.Enqueue(r.Context(),
		worker.EventJob{EventID: event.ID, Identifier: req.LeadIdentifier},
		queue.WithDedupKey("event-"+event.ID.String()))
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		log.Printf("[Ingest] Enqueue failed for event %s, janitor will retry: %v", event.ID, err)
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"event_id": event.ID, "status": "accepted"})
}

// buildEvent validates the envelope and maps it to a MarketingEvent,
// promoting well-known metadata keys to dedicated columns. A non-empty
// return code names the first validation failure.
func (h *IngestHandler) buildEvent(req *IngestRequest) (*domain.MarketingEvent, string) {
	if req.EventType == "" {
		return nil, "event_type_required"
	}
	if req.Source == "" {
		return nil, "source_required"
	}
	if req.LeadIdentifier.Empty() {
		return nil, "identifier_required"
	}

	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		return nil, "occurred_at_invalid"
	}
	now := h.nowFn()
	if occurredAt.Before(now.Add(-h.cfg.MaxPastSkew())) || occurredAt.After(now.Add(h.cfg.MaxFutureSkew())) {
		return nil, "occurred_at_out_of_range"
	}

	event := &domain.MarketingEvent{
		ID:             uuid.New(),
		EventType:      req.EventType,
		EventCategory:  req.EventCategory,
		Source:         req.Source,
		OccurredAt:     occurredAt,
		Metadata:       req.Metadata,
		LeadIdentifier: req.LeadIdentifier,
		CorrelationID:  req.CorrelationID,
	}
	promoteMetadata(event)
	return event, ""
}

// promoteMetadata lifts attribution keys out of the opaque metadata map
// into their dedicated columns so queries never have to reach into JSONB.
func promoteMetadata(e *domain.MarketingEvent) {
	promote := func(key string, dst **string) {
		v, ok := e.Metadata[key]
		if !ok {
			return
		}
		if s, ok := v.(string); ok && s != "" {
			*dst = &s
		}
		delete(e.Metadata, key)
	}
	promote("campaign_id", &e.CampaignID)
	promote("utm_source", &e.UTMSource)
	promote("utm_medium", &e.UTMMedium)
	promote("utm_campaign", &e.UTMCampaign)

	if e.EventCategory == "" {
		if v, ok := e.Metadata["event_category"].(string); ok {
			e.EventCategory = v
		}
	}
	delete(e.Metadata, "event_category")
}

func validationMessage(code string) string {
	switch code {
	case "event_type_required":
		return "event_type must be non-empty"
	case "source_required":
		return "source must be non-empty"
	case "identifier_required":
		return "lead_identifier must carry at least one identifier"
	case "occurred_at_invalid":
		return "occurred_at must be an RFC 3339 timestamp"
	case "occurred_at_out_of_range":
		return "occurred_at is outside the accepted clock-skew window"
	default:
		return "invalid request"
	}
}
