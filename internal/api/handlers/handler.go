// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/api/middleware"
	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/engine"
	"github.com/medimeet/adherence/internal/store"
)

// Handler serves patients, reminders, doses and escalations
type Handler struct {
	store   store.Store
	manager *engine.Manager
	clock   clockwork.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHandler creates a new handler
func NewHandler(st store.Store, tm *engine.Manager, clock clockwork.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		store:   st,
		manager: tm,
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("adherence-api"),
	}
}

// Routes returns the handler routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/patients", h.SavePatient)
	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Get("/", h.GetPatient)

		r.Get("/reminders", h.ListReminders)
		r.Post("/reminders", h.CreateReminder)
		r.Post("/reminders/fhir", h.ImportMedicationRequest)
		r.Put("/reminders/{reminderID}", h.UpdateReminder)
		r.Delete("/reminders/{reminderID}", h.DeleteReminder)

		r.Get("/doses", h.ListDoses)
		r.Post("/doses/{doseID}/taken", h.MarkTaken)

		r.Get("/escalations", h.ListEscalations)
	})
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

// storeError maps domain errors to responses; anything unknown is a 500.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, dose.ErrNotFound):
		h.jsonError(w, what+" not found", http.StatusNotFound)
	case errors.Is(err, dose.ErrAlreadyTerminal):
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
