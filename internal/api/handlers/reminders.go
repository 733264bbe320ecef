package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

// ReminderRequest is the body of reminder create and update
type ReminderRequest struct {
	MedicineName     string               `json:"medicine_name"`
	Dosage           string               `json:"dosage"`
	Recurrence       reminder.Recurrence  `json:"recurrence"`
	Days             []time.Weekday       `json:"days,omitempty"`
	Times            []reminder.TimeOfDay `json:"times"`
	CaregiverContact string               `json:"caregiver_contact"`
}

func (req *ReminderRequest) apply(def *reminder.Definition) error {
	if req.MedicineName == "" {
		return errors.New("medicine_name is required")
	}
	def.MedicineName = req.MedicineName
	def.Dosage = req.Dosage
	def.Recurrence = req.Recurrence
	def.Days = req.Days
	def.Times = req.Times
	def.CaregiverContact = req.CaregiverContact
	def.Normalize()
	return def.Validate()
}

// ListReminders handles GET /patients/{patientID}/reminders
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	if _, err := h.store.GetPatient(ctx, patientID); err != nil {
		h.storeError(w, r, err, "patient")
		return
	}

	defs, err := h.store.ListReminders(ctx, patientID)
	if err != nil {
		h.storeError(w, r, err, "reminders")
		return
	}
	if defs == nil {
		defs = []*reminder.Definition{}
	}
	h.writeJSON(w, http.StatusOK, defs)
}

// CreateReminder handles POST /patients/{patientID}/reminders
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_reminder")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	if _, err := h.store.GetPatient(ctx, patientID); err != nil {
		h.storeError(w, r, err, "patient")
		return
	}

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := h.clock.Now().UTC()
	def := &reminder.Definition{
		ID:        uuid.New().String(),
		PatientID: patientID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.apply(def); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("reminder_id", def.ID))

	if err := h.store.SaveReminder(ctx, def); err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}

	h.logger.Info("reminder created",
		zap.String("reminder_id", def.ID),
		zap.String("patient_id", patientID),
		zap.Int("times", len(def.Times)))
	h.writeJSON(w, http.StatusCreated, def)
}

// UpdateReminder handles PUT /patients/{patientID}/reminders/{reminderID}.
// Occurrences already materialized keep the values they were created with.
func (h *Handler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_reminder")
	defer span.End()

	def, err := h.ownedReminder(ctx, chi.URLParam(r, "patientID"), chi.URLParam(r, "reminderID"))
	if err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.apply(def); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	def.UpdatedAt = h.clock.Now().UTC()

	if err := h.store.SaveReminder(ctx, def); err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// DeleteReminder handles DELETE /patients/{patientID}/reminders/{reminderID}
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, err := h.ownedReminder(ctx, chi.URLParam(r, "patientID"), chi.URLParam(r, "reminderID"))
	if err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}
	if err := h.store.DeleteReminder(ctx, def.ID); err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}

	h.logger.Info("reminder deleted", zap.String("reminder_id", def.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ownedReminder(ctx context.Context, patientID, reminderID string) (*reminder.Definition, error) {
	def, err := h.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, err
	}
	if def.PatientID != patientID {
		return nil, fmt.Errorf("reminder %s of patient %s: %w", reminderID, patientID, dose.ErrNotFound)
	}
	return def, nil
}
