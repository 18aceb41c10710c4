package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
	"github.com/ignite/leadflow/internal/repository/postgres"
)

// LeadReader fetches one lead.
type LeadReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
}

// ScoreHistoryReader lists a lead's applied scoring rules.
type ScoreHistoryReader interface {
	HistoryForLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.ScoreHistory, error)
}

// IntentSignalReader lists a lead's intent signals.
type IntentSignalReader interface {
	SignalsForLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.IntentSignal, error)
}

// TaskReader lists a lead's open tasks.
type TaskReader interface {
	OpenForLead(ctx context.Context, leadID uuid.UUID) ([]domain.Task, error)
}

// DealReader lists a lead's deals.
type DealReader interface {
	ForLead(ctx context.Context, leadID uuid.UUID) ([]domain.Deal, error)
}

// LeadsHandler serves the read-only inspection endpoint support uses to
// answer "why did this lead score/route the way it did".
type LeadsHandler struct {
	leads   LeadReader
	history ScoreHistoryReader
	signals IntentSignalReader
	tasks   TaskReader
	deals   DealReader
}

// NewLeadsHandler wires the inspection handler.
func NewLeadsHandler(leads LeadReader, history ScoreHistoryReader, signals IntentSignalReader, tasks TaskReader, deals DealReader) *LeadsHandler {
	return &LeadsHandler{
		leads:   leads,
		history: history,
		signals: signals,
		tasks:   tasks,
		deals:   deals,
	}
}

// HandleGet implements GET /leads/{id}: the lead row plus its score
// history, intent signals, open tasks and deals.
func (h *LeadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_lead_id", "lead id must be a UUID")
		return
	}

	ctx := r.Context()
	lead, err := h.leads.Get(ctx, id)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "lead_not_found", "no lead with that id")
		return
	}
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "lead could not be loaded")
		return
	}

	history, err := h.history.HistoryForLead(ctx, id, 50)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "score history could not be loaded")
		return
	}
	signals, err := h.signals.SignalsForLead(ctx, id, 50)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "intent signals could not be loaded")
		return
	}
	tasks, err := h.tasks.OpenForLead(ctx, id)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "tasks could not be loaded")
		return
	}
	deals, err := h.deals.ForLead(ctx, id)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, "storage_unavailable", err, "deals could not be loaded")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"lead":           lead,
		"score_history":  history,
		"intent_signals": signals,
		"open_tasks":     tasks,
		"deals":          deals,
	})
}
