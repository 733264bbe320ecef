package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/reminder"
)

// PatientRequest is the body of POST /patients
type PatientRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
}

// SavePatient handles POST /patients. An empty id creates a new patient.
func (h *Handler) SavePatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "save_patient")
	defer span.End()

	var req PatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.TimeZone != "" {
		if _, err := time.LoadLocation(req.TimeZone); err != nil {
			h.jsonError(w, "unknown time_zone "+req.TimeZone, http.StatusBadRequest)
			return
		}
	}

	code := http.StatusOK
	if req.ID == "" {
		req.ID = uuid.New().String()
		code = http.StatusCreated
	}
	p := &reminder.Patient{ID: req.ID, Name: req.Name, TimeZone: req.TimeZone}
	if err := h.store.SavePatient(ctx, p); err != nil {
		h.storeError(w, r, err, "patient")
		return
	}

	h.logger.Info("patient saved", zap.String("patient_id", p.ID))
	h.writeJSON(w, code, p)
}

// GetPatient handles GET /patients/{patientID}
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.storeError(w, r, err, "patient")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}
