package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/fhir"
)

const fhirContentType = "application/fhir+json"

// ImportMedicationRequest handles POST /patients/{patientID}/reminders/fhir.
// The body is a FHIR R5 MedicationRequest; the caregiver contact travels in
// the caregiver_contact query parameter since the resource has no slot for it.
func (h *Handler) ImportMedicationRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "import_medication_request")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	if _, err := h.store.GetPatient(ctx, patientID); err != nil {
		h.storeError(w, r, err, "patient")
		return
	}

	var mr fhir.MedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&mr); err != nil {
		h.fhirError(w, "structure", "invalid MedicationRequest JSON", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("medication_request_id", mr.ID))

	if subject := mr.PatientID(); subject != "" && subject != patientID {
		h.fhirError(w, "business-rule", "subject does not match patient "+patientID, http.StatusUnprocessableEntity)
		return
	}

	def, err := fhir.ToDefinition(&mr)
	if err != nil {
		h.fhirError(w, "not-supported", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	now := h.clock.Now().UTC()
	def.ID = uuid.New().String()
	def.PatientID = patientID
	def.CaregiverContact = r.URL.Query().Get("caregiver_contact")
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := h.store.SaveReminder(ctx, def); err != nil {
		h.storeError(w, r, err, "reminder")
		return
	}

	h.logger.Info("reminder imported from FHIR",
		zap.String("reminder_id", def.ID),
		zap.String("medication_request_id", mr.ID),
		zap.String("patient_id", patientID))
	h.writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) fhirError(w http.ResponseWriter, code, diagnostics string, status int) {
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(fhir.NewOperationOutcome(code, diagnostics)); err != nil {
		h.logger.Error("failed to encode outcome", zap.Error(err))
	}
}
