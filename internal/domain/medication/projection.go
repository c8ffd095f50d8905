// Package medication derives the medication list from prescription records.
//
// A medication is every prescription entry sharing a case-insensitive name.
// Its current dosage and frequency come from the chronologically latest
// record that names it; the full history is kept newest first.
package medication

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/curebird/curebird/internal/domain/record"
)

// Entry is one prescription of a medication.
type Entry struct {
	RecordID     string    `json:"recordId"`
	Date         time.Time `json:"date"`
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage"`
	Frequency    string    `json:"frequency"`
	DoctorName   string    `json:"doctorName"`
	HospitalName string    `json:"hospitalName"`
}

// Medication is the grouped view of one medication.
type Medication struct {
	Name           string    `json:"name"`
	Dosage         string    `json:"dosage"`
	Frequency      string    `json:"frequency"`
	LastPrescribed time.Time `json:"lastPrescribed"`
	History        []Entry   `json:"history"`
}

// Project groups the medications of every prescription record. It is a pure
// function of its input and does not retain or modify records.
func Project(records []record.Record) []Medication {
	groups := make(map[string][]Entry)
	var order []string

	for _, r := range records {
		if r.Type != record.TypePrescription {
			continue
		}
		for _, m := range r.Details.Medications {
			name := strings.TrimSpace(m.Name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], Entry{
				RecordID:     r.ID,
				Date:         r.Date,
				Name:         name,
				Dosage:       m.Dosage,
				Frequency:    m.Frequency,
				DoctorName:   r.DoctorName,
				HospitalName: r.HospitalName,
			})
		}
	}

	out := make([]Medication, 0, len(groups))
	for _, key := range order {
		history := groups[key]
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].Date.After(history[j].Date)
		})
		latest := history[0]
		out = append(out, Medication{
			Name:           latest.Name,
			Dosage:         latest.Dosage,
			Frequency:      latest.Frequency,
			LastPrescribed: latest.Date,
			History:        history,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastPrescribed.Equal(out[j].LastPrescribed) {
			return out[i].LastPrescribed.After(out[j].LastPrescribed)
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Projector memoizes Project on the version of the record list it was given.
type Projector struct {
	mu       sync.Mutex
	version  uint64
	valid    bool
	cached   []Medication
	computed int
}

// Project returns the projection for records, recomputing only when version
// differs from the last call.
func (p *Projector) Project(version uint64, records []record.Record) []Medication {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid && p.version == version {
		return p.cached
	}
	p.cached = Project(records)
	p.version = version
	p.valid = true
	p.computed++
	return p.cached
}

// Computations reports how many times the projection was actually computed.
func (p *Projector) Computations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computed
}
