// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/refund"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/service"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// ParticipationHandler holds all HTTP handlers for the participation API.
type ParticipationHandler struct {
	svc *service.ParticipationService
}

// NewParticipationHandler constructs a ParticipationHandler.
func NewParticipationHandler(svc *service.ParticipationService) *ParticipationHandler {
	return &ParticipationHandler{svc: svc}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps domain errors to HTTP statuses. User-visible
// failures stay within "payment required", "conflict", "not found".
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateParticipation):
		writeError(w, http.StatusConflict, "already registered for this event")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "participation state has changed, re-fetch and retry")
	case errors.Is(err, service.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, "payment required")
	case errors.Is(err, service.ErrIntentMismatch):
		writeError(w, http.StatusConflict, "intent does not belong to this participation")
	case errors.Is(err, payment.ErrNotPayable):
		writeError(w, http.StatusConflict, "participation cannot accept payment")
	case errors.Is(err, payment.ErrIntentConsistency):
		writeError(w, http.StatusBadGateway, "payment processor integration failure")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// ─── Event handlers ───────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *ParticipationHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ev, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ListEvents handles GET /events
func (h *ParticipationHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *ParticipationHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ListParticipations handles GET /events/{id}/participations
func (h *ParticipationHandler) ListParticipations(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListParticipations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ps == nil {
		ps = []model.Participation{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// ─── Participation handlers ───────────────────────────────────────────────────

// Register handles POST /events/{id}/register
func (h *ParticipationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := h.svc.Register(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetParticipation handles GET /participations/{id}
func (h *ParticipationHandler) GetParticipation(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetParticipation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PaymentIntent handles GET /participations/{id}/payment-intent
// Used both for the initial payment and for promoted-waitlist payment.
func (h *ParticipationHandler) PaymentIntent(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.PaymentIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConfirmPayment handles POST /participations/{id}/confirm
// Client-path confirmation, idempotent with the webhook path.
func (h *ParticipationHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req model.ConfirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	state, err := h.svc.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.IntentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.State{"state": state})
}

// Cancel handles DELETE /participations/{id}
// Computes the refund outcome, cancels, and releases any held slot.
func (h *ParticipationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]refund.Outcome{"refund": outcome})
}

// SetPaymentState handles PUT /participations/{id}/payment-state
// Admin override for manual reconciliation (cash payments, support cases).
func (h *ParticipationHandler) SetPaymentState(w http.ResponseWriter, r *http.Request) {
	var req model.SetPaymentStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := h.svc.SetPaymentState(r.Context(), chi.URLParam(r, "id"), req.PaymentState)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
