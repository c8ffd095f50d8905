// Package forms holds the modal forms of a dashboard session. A form closes
// only after its write has been confirmed by the store; on failure it stays
// open and shows the error.
package forms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/domain/record"
)

// Saver persists an item and returns its id. Binders implement it.
type Saver[T any] interface {
	Save(ctx context.Context, item T) (string, error)
}

// FileTooLargeText is shown when an attachment is over the inline limit.
const FileTooLargeText = "File is too large. Please select a file smaller than 750KB."

// Mode tells whether a form creates or edits.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

// ErrNotOpen is returned by actions on a closed form.
var ErrNotOpen = errors.New("form is not open")

// ErrSaving is returned while a submit is in flight.
var ErrSaving = errors.New("form is already saving")

// RecordDraft is the editable state of the record form. Dates are YYYY-MM-DD.
type RecordDraft struct {
	ID            string                   `json:"id,omitempty"`
	Date          string                   `json:"date"`
	Type          record.Type              `json:"type"`
	DoctorName    string                   `json:"doctorName"`
	HospitalName  string                   `json:"hospitalName"`
	Medications   []record.MedicationEntry `json:"medications"`
	AdmissionDate string                   `json:"admissionDate,omitempty"`
	DischargeDate string                   `json:"dischargeDate,omitempty"`
	Fields        map[string]string        `json:"fields,omitempty"`
	FileURL       string                   `json:"fileURL,omitempty"`
	FileName      string                   `json:"fileName,omitempty"`
}

// RecordPatch changes the fields that are set.
type RecordPatch struct {
	Date          *string           `json:"date,omitempty"`
	Type          *record.Type      `json:"type,omitempty"`
	DoctorName    *string           `json:"doctorName,omitempty"`
	HospitalName  *string           `json:"hospitalName,omitempty"`
	AdmissionDate *string           `json:"admissionDate,omitempty"`
	DischargeDate *string           `json:"dischargeDate,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Medication    *MedicationPatch  `json:"medication,omitempty"`
	AddMedication bool              `json:"addMedication,omitempty"`
	RemoveRow     *int              `json:"removeMedication,omitempty"`
}

// MedicationPatch replaces one medication row.
type MedicationPatch struct {
	Index int                    `json:"index"`
	Entry record.MedicationEntry `json:"entry"`
}

// RecordFormView is the render state of the record form.
type RecordFormView struct {
	Open     bool        `json:"open"`
	Mode     Mode        `json:"mode,omitempty"`
	Draft    RecordDraft `json:"draft"`
	Saving   bool        `json:"saving"`
	Progress float64     `json:"uploadProgress,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// RecordForm is the add/edit medical record modal.
type RecordForm struct {
	saver    Saver[record.Record]
	uploader *attachment.Uploader
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	open     bool
	mode     Mode
	draft    RecordDraft
	saving   bool
	progress float64
	err      string
}

// RecordOption configures a RecordForm.
type RecordOption func(*RecordForm)

// WithUploader stores attachments in the blob store instead of inline.
func WithUploader(u *attachment.Uploader) RecordOption {
	return func(f *RecordForm) { f.uploader = u }
}

// WithClock overrides the clock used for the blank form's date.
func WithClock(now func() time.Time) RecordOption {
	return func(f *RecordForm) { f.now = now }
}

// NewRecordForm creates a closed record form writing through saver.
func NewRecordForm(saver Saver[record.Record], logger *zap.Logger, opts ...RecordOption) *RecordForm {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &RecordForm{saver: saver, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BlankRecordDraft is today's prescription with one empty medication row.
func BlankRecordDraft(today time.Time) RecordDraft {
	return RecordDraft{
		Date:        today.Format(record.DateLayout),
		Type:        record.TypePrescription,
		Medications: []record.MedicationEntry{{}},
	}
}

// DraftFromRecord pre-fills a draft from a stored record.
func DraftFromRecord(r record.Record) RecordDraft {
	d := RecordDraft{
		ID:           r.ID,
		Date:         record.FormatDate(r.Date),
		Type:         r.Type,
		DoctorName:   r.DoctorName,
		HospitalName: r.HospitalName,
		Medications:  append([]record.MedicationEntry(nil), r.Details.Medications...),
		FileURL:      r.FileURL,
		FileName:     r.FileName,
	}
	if len(d.Medications) == 0 {
		d.Medications = []record.MedicationEntry{{}}
	}
	if r.Details.AdmissionDate != nil {
		d.AdmissionDate = record.FormatDate(*r.Details.AdmissionDate)
	}
	if r.Details.DischargeDate != nil {
		d.DischargeDate = record.FormatDate(*r.Details.DischargeDate)
	}
	if len(r.Details.Fields) > 0 {
		d.Fields = make(map[string]string, len(r.Details.Fields))
		for k, v := range r.Details.Fields {
			d.Fields[k] = v
		}
	}
	return d
}

// OpenBlank opens the form for a new record.
func (f *RecordForm) OpenBlank() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(true, ModeCreate, BlankRecordDraft(f.now()))
}

// OpenEdit opens the form pre-filled from r.
func (f *RecordForm) OpenEdit(r record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(true, ModeEdit, DraftFromRecord(r))
}

// Close discards the draft.
func (f *RecordForm) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(false, "", RecordDraft{})
}

func (f *RecordForm) reset(open bool, mode Mode, d RecordDraft) {
	f.open = open
	f.mode = mode
	f.draft = d
	f.saving = false
	f.progress = 0
	f.err = ""
}

// View returns a copy of the form state.
func (f *RecordForm) View() RecordFormView {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.draft
	d.Medications = append([]record.MedicationEntry(nil), f.draft.Medications...)
	return RecordFormView{
		Open:     f.open,
		Mode:     f.mode,
		Draft:    d,
		Saving:   f.saving,
		Progress: f.progress,
		Error:    f.err,
	}
}

// Edit applies a patch to the draft.
func (f *RecordForm) Edit(p RecordPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotOpen
	}

	d := &f.draft
	if p.Date != nil {
		d.Date = *p.Date
	}
	if p.Type != nil {
		d.Type = *p.Type
		if d.Type == record.TypePrescription && len(d.Medications) == 0 {
			d.Medications = []record.MedicationEntry{{}}
		}
	}
	if p.DoctorName != nil {
		d.DoctorName = *p.DoctorName
	}
	if p.HospitalName != nil {
		d.HospitalName = *p.HospitalName
	}
	if p.AdmissionDate != nil {
		d.AdmissionDate = *p.AdmissionDate
	}
	if p.DischargeDate != nil {
		d.DischargeDate = *p.DischargeDate
	}
	for k, v := range p.Fields {
		if d.Fields == nil {
			d.Fields = make(map[string]string)
		}
		d.Fields[k] = v
	}
	if p.AddMedication {
		d.Medications = append(d.Medications, record.MedicationEntry{})
	}
	if p.Medication != nil {
		if err := f.setMedicationLocked(p.Medication.Index, p.Medication.Entry); err != nil {
			return err
		}
	}
	if p.RemoveRow != nil {
		if err := f.removeMedicationLocked(*p.RemoveRow); err != nil {
			return err
		}
	}
	f.err = ""
	return nil
}

// AddMedication appends an empty medication row.
func (f *RecordForm) AddMedication() error {
	return f.Edit(RecordPatch{AddMedication: true})
}

// SetMedication replaces row i.
func (f *RecordForm) SetMedication(i int, m record.MedicationEntry) error {
	return f.Edit(RecordPatch{Medication: &MedicationPatch{Index: i, Entry: m}})
}

// RemoveMedication drops row i.
func (f *RecordForm) RemoveMedication(i int) error {
	return f.Edit(RecordPatch{RemoveRow: &i})
}

func (f *RecordForm) setMedicationLocked(i int, m record.MedicationEntry) error {
	if i < 0 || i >= len(f.draft.Medications) {
		return fmt.Errorf("medication row %d out of range", i)
	}
	f.draft.Medications[i] = m
	return nil
}

func (f *RecordForm) removeMedicationLocked(i int) error {
	if i < 0 || i >= len(f.draft.Medications) {
		return fmt.Errorf("medication row %d out of range", i)
	}
	f.draft.Medications = append(f.draft.Medications[:i], f.draft.Medications[i+1:]...)
	return nil
}

// ApplyAnalysis drops blank medication rows and appends the detected
// medications after the ones already filled in.
func (f *RecordForm) ApplyAnalysis(res analysis.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotOpen
	}

	meds := make([]record.MedicationEntry, 0, len(f.draft.Medications)+len(res.Medications))
	for _, m := range f.draft.Medications {
		if !m.Blank() {
			meds = append(meds, m)
		}
	}
	meds = append(meds, res.Medications...)
	if len(meds) == 0 {
		meds = append(meds, record.MedicationEntry{})
	}
	f.draft.Medications = meds
	return nil
}

// AttachFile attaches content to the draft: uploaded to the blob store when
// an uploader is configured, inlined as a data URL otherwise.
func (f *RecordForm) AttachFile(ctx context.Context, uid, fileName, contentType string, content []byte) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return ErrNotOpen
	}
	f.progress = 0
	f.mu.Unlock()

	var (
		att attachment.Attachment
		err error
	)
	size := int64(len(content))
	if f.uploader != nil {
		att, err = f.uploader.Upload(ctx, uid, fileName, contentType, size, bytes.NewReader(content), func(p float64) {
			f.mu.Lock()
			f.progress = p
			f.mu.Unlock()
		})
	} else {
		att, err = attachment.Inline(fileName, contentType, size, bytes.NewReader(content))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.err = err.Error()
		if errors.Is(err, attachment.ErrFileTooLarge) {
			f.err = FileTooLargeText
		}
		return err
	}
	f.draft.FileURL = att.URL
	f.draft.FileName = att.FileName
	f.err = ""
	return nil
}

// Build converts the draft into a record ready to save.
func (d RecordDraft) Build() (record.Record, error) {
	date, err := record.ParseDate(d.Date)
	if err != nil {
		return record.Record{}, err
	}
	r := record.Record{
		ID:           d.ID,
		Date:         date,
		Type:         d.Type,
		DoctorName:   strings.TrimSpace(d.DoctorName),
		HospitalName: strings.TrimSpace(d.HospitalName),
		FileURL:      d.FileURL,
		FileName:     d.FileName,
		Details: record.Details{
			Medications: append([]record.MedicationEntry(nil), d.Medications...),
		},
	}
	if len(d.Fields) > 0 {
		r.Details.Fields = make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			r.Details.Fields[k] = v
		}
	}
	if d.Type == record.TypeAdmission {
		if d.AdmissionDate != "" {
			t, err := record.ParseDate(d.AdmissionDate)
			if err != nil {
				return record.Record{}, err
			}
			r.Details.AdmissionDate = &t
		}
		if d.DischargeDate != "" {
			t, err := record.ParseDate(d.DischargeDate)
			if err != nil {
				return record.Record{}, err
			}
			r.Details.DischargeDate = &t
		}
	}
	r = r.Normalize()
	return r, r.Validate()
}

// Submit saves the draft. The form closes once the store confirms the write
// and stays open with the error otherwise.
func (f *RecordForm) Submit(ctx context.Context) (string, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return "", ErrNotOpen
	}
	if f.saving {
		f.mu.Unlock()
		return "", ErrSaving
	}
	r, err := f.draft.Build()
	if err != nil {
		f.err = err.Error()
		f.mu.Unlock()
		return "", err
	}
	f.saving = true
	f.err = ""
	f.mu.Unlock()

	id, err := f.saver.Save(ctx, r)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saving = false
	if err != nil {
		f.logger.Error("error saving record", zap.String("id", r.ID), zap.Error(err))
		f.err = err.Error()
		return "", err
	}
	f.reset(false, "", RecordDraft{})
	return id, nil
}
