package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/api/middleware"
	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
	"github.com/medimeet/adherence/internal/schedule"
)

// dateParam returns ?date= or today in the patient's zone
func (h *Handler) dateParam(r *http.Request, p *reminder.Patient) (string, bool) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return schedule.DateKey(h.clock.Now(), p.Location()), true
	}
	if _, err := time.Parse(dose.DateLayout, date); err != nil {
		return "", false
	}
	return date, true
}

// ListDoses handles GET /patients/{patientID}/doses?date=YYYY-MM-DD
func (h *Handler) ListDoses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.store.GetPatient(ctx, chi.URLParam(r, "patientID"))
	if err != nil {
		h.storeError(w, r, err, "patient")
		return
	}
	date, ok := h.dateParam(r, p)
	if !ok {
		h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	doses, err := h.store.ListByPatientDate(ctx, p.ID, date)
	if err != nil {
		h.storeError(w, r, err, "doses")
		return
	}
	if doses == nil {
		doses = []*dose.Occurrence{}
	}
	h.writeJSON(w, http.StatusOK, doses)
}

// MarkTaken handles POST /patients/{patientID}/doses/{doseID}/taken.
// Repeating the call is harmless; a dose already missed yields 409.
func (h *Handler) MarkTaken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mark_dose_taken")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	doseID := chi.URLParam(r, "doseID")
	span.SetAttributes(attribute.String("occurrence_id", doseID))

	o, err := h.manager.MarkTakenFor(ctx, patientID, doseID)
	if err != nil {
		span.RecordError(err)
		h.storeError(w, r, err, "dose")
		return
	}

	h.logger.Info("dose marked taken",
		zap.String("occurrence_id", o.ID),
		zap.String("patient_id", patientID),
		zap.String("client_id", middleware.GetClientID(ctx)))
	h.writeJSON(w, http.StatusOK, o)
}

// ListEscalations handles GET /patients/{patientID}/escalations?date=YYYY-MM-DD
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.store.GetPatient(ctx, chi.URLParam(r, "patientID"))
	if err != nil {
		h.storeError(w, r, err, "patient")
		return
	}
	date, ok := h.dateParam(r, p)
	if !ok {
		h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	recs, err := h.store.ListEscalations(ctx, p.ID, date)
	if err != nil {
		h.storeError(w, r, err, "escalations")
		return
	}
	if recs == nil {
		recs = []*dose.EscalationRecord{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}
