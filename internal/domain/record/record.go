// Package record implements the medical record entity and its document codec.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/curebird/curebird/internal/store"
)

// Type is the kind of medical record
type Type string

const (
	TypePrescription Type = "prescription"
	TypeTestReport   Type = "test_report"
	TypeDiagnosis    Type = "diagnosis"
	TypeAdmission    Type = "admission"
	TypeECG          Type = "ecg"
)

// Types lists every record type in form order.
var Types = []Type{TypePrescription, TypeTestReport, TypeDiagnosis, TypeAdmission, TypeECG}

// Valid reports whether t is a known record type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Capitalize renders a type for display: first letter upper-cased,
// underscores as spaces ("test_report" -> "Test report").
func Capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ReplaceAll(s[1:], "_", " ")
}

// DateLayout is the calendar-date form used by forms and the JSON API.
const DateLayout = "2006-01-02"

// ErrInvalidRecord is returned for records that cannot be stored.
var ErrInvalidRecord = errors.New("invalid medical record")

// MedicationEntry is one prescribed medication line.
type MedicationEntry struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// Blank reports whether every field is empty.
func (m MedicationEntry) Blank() bool {
	return strings.TrimSpace(m.Name) == "" && strings.TrimSpace(m.Dosage) == "" && strings.TrimSpace(m.Frequency) == ""
}

// Details is the type-dependent payload of a record.
type Details struct {
	Medications   []MedicationEntry `json:"medications,omitempty"`
	AdmissionDate *time.Time        `json:"admissionDate,omitempty"`
	DischargeDate *time.Time        `json:"dischargeDate,omitempty"`
	// Fields holds the free-form string details (notes, diagnosis, testName, result).
	Fields map[string]string `json:"fields,omitempty"`
}

// Record is a medical record owned by one user.
type Record struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	Type         Type      `json:"type"`
	DoctorName   string    `json:"doctorName"`
	HospitalName string    `json:"hospitalName"`
	Details      Details   `json:"details"`
	FileURL      string    `json:"fileURL,omitempty"`
	FileName     string    `json:"fileName,omitempty"`
}

// Validate checks the fields every record needs.
func (r Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.DoctorName) == "" {
		return fmt.Errorf("%w: doctor name is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.HospitalName) == "" {
		return fmt.Errorf("%w: hospital name is required", ErrInvalidRecord)
	}
	return nil
}

// Normalize drops the detail parts that do not belong to the record's type.
// Medications stay only on prescriptions and admission dates only on admissions.
func (r Record) Normalize() Record {
	if r.Type != TypePrescription {
		r.Details.Medications = nil
	} else {
		meds := make([]MedicationEntry, 0, len(r.Details.Medications))
		for _, m := range r.Details.Medications {
			if !m.Blank() {
				meds = append(meds, m)
			}
		}
		r.Details.Medications = meds
	}
	if r.Type != TypeAdmission {
		r.Details.AdmissionDate = nil
		r.Details.DischargeDate = nil
	}
	return r
}

// Codec maps records to and from store documents.
type Codec struct{}

// ID returns the record's document id.
func (Codec) ID(r Record) string { return r.ID }

// Encode renders a record as document fields. The id is not part of the fields.
func (Codec) Encode(r Record) (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	details := make(map[string]any, len(r.Details.Fields)+3)
	for k, v := range r.Details.Fields {
		details[k] = v
	}
	if r.Type == TypePrescription {
		meds := make([]any, 0, len(r.Details.Medications))
		for _, m := range r.Details.Medications {
			meds = append(meds, map[string]any{
				"name":      m.Name,
				"dosage":    m.Dosage,
				"frequency": m.Frequency,
			})
		}
		details["medications"] = meds
	}
	if r.Details.AdmissionDate != nil {
		details["admissionDate"] = r.Details.AdmissionDate.UTC()
	}
	if r.Details.DischargeDate != nil {
		details["dischargeDate"] = r.Details.DischargeDate.UTC()
	}

	fields := map[string]any{
		"date":         r.Date.UTC(),
		"type":         string(r.Type),
		"doctorName":   r.DoctorName,
		"hospitalName": r.HospitalName,
		"details":      details,
	}
	if r.FileURL != "" {
		fields["fileURL"] = r.FileURL
		fields["fileName"] = r.FileName
	}
	return fields, nil
}

// Decode reads a record from a stored document. Unknown detail keys with
// string values are kept in Details.Fields.
func (Codec) Decode(doc store.Document) (Record, error) {
	f := doc.Fields
	r := Record{
		ID:           doc.ID,
		Date:         doc.Date(),
		Type:         Type(stringField(f, "type")),
		DoctorName:   stringField(f, "doctorName"),
		HospitalName: stringField(f, "hospitalName"),
		FileURL:      stringField(f, "fileURL"),
		FileName:     stringField(f, "fileName"),
	}

	details, _ := f["details"].(map[string]any)
	for k, v := range details {
		switch k {
		case "medications":
			r.Details.Medications = decodeMedications(v)
		case "admissionDate":
			if t, ok := store.AsTime(v); ok {
				r.Details.AdmissionDate = &t
			}
		case "dischargeDate":
			if t, ok := store.AsTime(v); ok {
				r.Details.DischargeDate = &t
			}
		default:
			if s, ok := v.(string); ok {
				if r.Details.Fields == nil {
					r.Details.Fields = make(map[string]string)
				}
				r.Details.Fields[k] = s
			}
		}
	}
	return r, nil
}

func decodeMedications(v any) []MedicationEntry {
	var rows []map[string]any
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	case []map[string]any:
		rows = x
	}

	meds := make([]MedicationEntry, 0, len(rows))
	for _, m := range rows {
		meds = append(meds, MedicationEntry{
			Name:      stringField(m, "name"),
			Dosage:    stringField(m, "dosage"),
			Frequency: stringField(m, "frequency"),
		})
	}
	return meds
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// ParseDate parses a calendar date or RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	t, ok := store.AsTime(strings.TrimSpace(s))
	if !ok {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidRecord, s)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD, empty for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}
