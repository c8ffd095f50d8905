package forms

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/record"
)

// AppointmentDraft is the editable state of the appointment form.
type AppointmentDraft struct {
	ID           string             `json:"id,omitempty"`
	Date         string             `json:"date"`
	DoctorName   string             `json:"doctorName"`
	HospitalName string             `json:"hospitalName"`
	Reason       string             `json:"reason"`
	Status       appointment.Status `json:"status"`
}

// Build converts the draft into an appointment ready to save.
func (d AppointmentDraft) Build() (appointment.Appointment, error) {
	date, err := record.ParseDate(d.Date)
	if err != nil {
		return appointment.Appointment{}, err
	}
	a := appointment.Appointment{
		ID:           d.ID,
		Date:         date,
		DoctorName:   strings.TrimSpace(d.DoctorName),
		HospitalName: strings.TrimSpace(d.HospitalName),
		Reason:       strings.TrimSpace(d.Reason),
		Status:       d.Status,
	}
	if a.Status == "" {
		a.Status = appointment.StatusUpcoming
	}
	return a, a.Validate()
}

// AppointmentFormView is the render state of the appointment form.
type AppointmentFormView struct {
	Open   bool             `json:"open"`
	Mode   Mode             `json:"mode,omitempty"`
	Draft  AppointmentDraft `json:"draft"`
	Saving bool             `json:"saving"`
	Error  string           `json:"error,omitempty"`
}

// AppointmentForm is the add/edit appointment modal.
type AppointmentForm struct {
	saver  Saver[appointment.Appointment]
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	open   bool
	mode   Mode
	draft  AppointmentDraft
	saving bool
	err    string
}

// NewAppointmentForm creates a closed appointment form writing through saver.
func NewAppointmentForm(saver Saver[appointment.Appointment], logger *zap.Logger) *AppointmentForm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentForm{saver: saver, logger: logger, now: time.Now}
}

// OpenBlank opens the form for a new upcoming appointment today.
func (f *AppointmentForm) OpenBlank() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(true, ModeCreate, AppointmentDraft{
		Date:   f.now().Format(record.DateLayout),
		Status: appointment.StatusUpcoming,
	})
}

// OpenEdit opens the form pre-filled from a.
func (f *AppointmentForm) OpenEdit(a appointment.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(true, ModeEdit, AppointmentDraft{
		ID:           a.ID,
		Date:         record.FormatDate(a.Date),
		DoctorName:   a.DoctorName,
		HospitalName: a.HospitalName,
		Reason:       a.Reason,
		Status:       a.Status,
	})
}

// Close discards the draft.
func (f *AppointmentForm) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(false, "", AppointmentDraft{})
}

func (f *AppointmentForm) set(open bool, mode Mode, d AppointmentDraft) {
	f.open = open
	f.mode = mode
	f.draft = d
	f.saving = false
	f.err = ""
}

// View returns a copy of the form state.
func (f *AppointmentForm) View() AppointmentFormView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return AppointmentFormView{Open: f.open, Mode: f.mode, Draft: f.draft, Saving: f.saving, Error: f.err}
}

// Submit saves d, keeping the id of the appointment being edited. The form
// closes once the store confirms the write.
func (f *AppointmentForm) Submit(ctx context.Context, d AppointmentDraft) (string, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return "", ErrNotOpen
	}
	if f.saving {
		f.mu.Unlock()
		return "", ErrSaving
	}
	d.ID = f.draft.ID
	f.draft = d
	a, err := d.Build()
	if err != nil {
		f.err = err.Error()
		f.mu.Unlock()
		return "", err
	}
	f.saving = true
	f.err = ""
	f.mu.Unlock()

	id, err := f.saver.Save(ctx, a)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saving = false
	if err != nil {
		f.logger.Error("error saving appointment", zap.String("id", a.ID), zap.Error(err))
		f.err = err.Error()
		return "", err
	}
	f.set(false, "", AppointmentDraft{})
	return id, nil
}
