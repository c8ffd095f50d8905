package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/api/middleware"
	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/medication"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/forms"
	"github.com/curebird/curebird/internal/store"
)

// DecodeRecord reads a record draft, the same shape the record form edits.
func DecodeRecord(id string, body []byte) (record.Record, error) {
	var d forms.RecordDraft
	if err := json.Unmarshal(body, &d); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", record.ErrInvalidRecord, err)
	}
	d.ID = id
	return d.Build()
}

// DecodeAppointment reads an appointment draft.
func DecodeAppointment(id string, body []byte) (appointment.Appointment, error) {
	var d forms.AppointmentDraft
	if err := json.Unmarshal(body, &d); err != nil {
		return appointment.Appointment{}, fmt.Errorf("%w: %v", appointment.ErrInvalidAppointment, err)
	}
	d.ID = id
	return d.Build()
}

// MedicationHandler serves the medication list derived from the caller's
// prescriptions.
type MedicationHandler struct {
	store  store.Store
	appID  string
	logger *zap.Logger
}

// NewMedicationHandler creates a handler
func NewMedicationHandler(st store.Store, appID string, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{store: st, appID: appID, logger: logger}
}

// List handles GET /medications
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := store.Path{AppID: h.appID, UserID: middleware.GetUserID(ctx), Domain: store.DomainRecords}

	records, err := ListItems(ctx, h.store, path, record.Codec{})
	if err != nil {
		h.logger.Error("list records failed", zap.Error(err))
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": medication.Project(records)})
}
