package medication

import (
	"testing"
	"time"

	"github.com/curebird/curebird/internal/domain/record"
)

func rx(id, date string, meds ...record.MedicationEntry) record.Record {
	d, _ := time.Parse("2006-01-02", date)
	return record.Record{
		ID:      id,
		Date:    d,
		Type:    record.TypePrescription,
		Details: record.Details{Medications: meds},
	}
}

func TestProject_LatestPrescriptionWins(t *testing.T) {
	records := []record.Record{
		rx("R1", "2024-01-01", record.MedicationEntry{Name: "Amoxicillin", Dosage: "500mg"}),
		rx("R2", "2024-03-01", record.MedicationEntry{Name: "Amoxicillin", Dosage: "250mg"}),
	}

	meds := Project(records)
	if len(meds) != 1 {
		t.Fatalf("expected exactly one medication, got %d", len(meds))
	}
	m := meds[0]
	if m.Name != "Amoxicillin" || m.Dosage != "250mg" {
		t.Fatalf("expected Amoxicillin 250mg, got %s %s", m.Name, m.Dosage)
	}
	if len(m.History) != 2 {
		t.Fatalf("expected history length 2, got %d", len(m.History))
	}
	if m.History[0].RecordID != "R2" || m.History[1].RecordID != "R1" {
		t.Fatalf("history not newest first: %+v", m.History)
	}
}

func TestProject_GroupsCaseInsensitively(t *testing.T) {
	records := []record.Record{
		rx("R3", "2024-05-01", record.MedicationEntry{Name: "paracetamol ", Dosage: "650mg", Frequency: "BID"}),
		rx("R1", "2024-01-01", record.MedicationEntry{Name: "PARACETAMOL", Dosage: "500mg"}),
		rx("R2", "2024-02-01", record.MedicationEntry{Name: "Cetirizine", Dosage: "10mg"}, record.MedicationEntry{Name: ""}),
	}

	meds := Project(records)
	if len(meds) != 2 {
		t.Fatalf("expected 2 medications, got %d: %+v", len(meds), meds)
	}
	if meds[0].Name != "paracetamol" || meds[0].Dosage != "650mg" || meds[0].Frequency != "BID" {
		t.Fatalf("unexpected current paracetamol view: %+v", meds[0])
	}
	if meds[1].Name != "Cetirizine" {
		t.Fatalf("expected Cetirizine second, got %s", meds[1].Name)
	}
}

func TestProject_IgnoresNonPrescriptions(t *testing.T) {
	r := rx("D1", "2024-01-01", record.MedicationEntry{Name: "Aspirin"})
	r.Type = record.TypeDiagnosis
	if meds := Project([]record.Record{r}); len(meds) != 0 {
		t.Fatalf("expected no medications, got %+v", meds)
	}
}

func TestProjector_MemoizesOnVersion(t *testing.T) {
	var p Projector
	records := []record.Record{rx("R1", "2024-01-01", record.MedicationEntry{Name: "A"})}

	first := p.Project(1, records)
	p.Project(1, records)
	if p.Computations() != 1 {
		t.Fatalf("expected one computation, got %d", p.Computations())
	}

	records = append(records, rx("R2", "2024-02-01", record.MedicationEntry{Name: "B"}))
	second := p.Project(2, records)
	if p.Computations() != 2 {
		t.Fatalf("expected recompute on new version, got %d", p.Computations())
	}
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("unexpected projections %d, %d", len(first), len(second))
	}
}
