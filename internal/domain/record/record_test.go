package record

import (
	"errors"
	"testing"
	"time"

	"github.com/curebird/curebird/internal/store"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestCodec_PrescriptionRoundTrip(t *testing.T) {
	in := Record{
		ID:           "r1",
		Date:         mustDate(t, "2024-01-01"),
		Type:         TypePrescription,
		DoctorName:   "Dr. Rao",
		HospitalName: "City Clinic",
		Details: Details{
			Medications: []MedicationEntry{{Name: "Amoxicillin", Dosage: "500mg", Frequency: "TID"}},
			Fields:      map[string]string{"notes": "after meals"},
		},
	}

	var c Codec
	fields, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := fields["id"]; ok {
		t.Error("id must not be written as a field")
	}
	if _, ok := fields["date"].(time.Time); !ok {
		t.Errorf("date should be a native timestamp, got %T", fields["date"])
	}

	out, err := c.Decode(store.Document{ID: "r1", Fields: fields})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "r1" || !out.Date.Equal(in.Date) || out.Type != TypePrescription {
		t.Fatalf("unexpected record %+v", out)
	}
	if len(out.Details.Medications) != 1 || out.Details.Medications[0] != in.Details.Medications[0] {
		t.Fatalf("medications lost: %+v", out.Details.Medications)
	}
	if out.Details.Fields["notes"] != "after meals" {
		t.Fatalf("notes lost: %+v", out.Details.Fields)
	}
}

func TestCodec_DecodeJSONShapedDocument(t *testing.T) {
	// Documents read back from JSONB carry strings for dates and []any for lists.
	doc := store.Document{ID: "a1", Fields: map[string]any{
		"date":         "2024-02-10T00:00:00Z",
		"type":         "admission",
		"doctorName":   "Dr. Sen",
		"hospitalName": "General",
		"details": map[string]any{
			"admissionDate": "2024-02-10",
			"dischargeDate": "2024-02-14T00:00:00Z",
			"medications":   []any{map[string]any{"name": "x"}},
		},
	}}

	r, err := Codec{}.Decode(doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Details.AdmissionDate == nil || FormatDate(*r.Details.AdmissionDate) != "2024-02-10" {
		t.Fatalf("admission date: %v", r.Details.AdmissionDate)
	}
	if r.Details.DischargeDate == nil || FormatDate(*r.Details.DischargeDate) != "2024-02-14" {
		t.Fatalf("discharge date: %v", r.Details.DischargeDate)
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Codec{}.Encode(Record{Type: "x-ray", Date: time.Now(), DoctorName: "a", HospitalName: "b"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	_, err = Codec{}.Encode(Record{Type: TypeECG, DoctorName: "a", HospitalName: "b"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing date, got %v", err)
	}
}

func TestNormalize_KeepsOnlyTypeSpecificDetails(t *testing.T) {
	adm := mustDate(t, "2024-01-01")
	r := Record{
		Type: TypeDiagnosis,
		Details: Details{
			Medications:   []MedicationEntry{{Name: "x"}},
			AdmissionDate: &adm,
		},
	}.Normalize()
	if r.Details.Medications != nil || r.Details.AdmissionDate != nil {
		t.Fatalf("diagnosis kept foreign details: %+v", r.Details)
	}

	p := Record{
		Type:    TypePrescription,
		Details: Details{Medications: []MedicationEntry{{}, {Name: "Ibuprofen"}}},
	}.Normalize()
	if len(p.Details.Medications) != 1 || p.Details.Medications[0].Name != "Ibuprofen" {
		t.Fatalf("blank rows not dropped: %+v", p.Details.Medications)
	}
}

func TestCapitalize(t *testing.T) {
	cases := map[string]string{
		"prescription": "Prescription",
		"test_report":  "Test report",
		"ecg":          "Ecg",
		"":             "",
	}
	for in, want := range cases {
		if got := Capitalize(in); got != want {
			t.Errorf("Capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}
