// Package appointment implements the appointment entity and its document codec.
package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/curebird/curebird/internal/store"
)

// Status represents appointment status
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ErrInvalidAppointment is returned for appointments that cannot be stored.
var ErrInvalidAppointment = errors.New("invalid appointment")

// Appointment is a scheduled visit owned by one user.
type Appointment struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	DoctorName   string    `json:"doctorName"`
	HospitalName string    `json:"hospitalName"`
	Reason       string    `json:"reason"`
	Status       Status    `json:"status"`
}

// Validate checks required fields. An empty status is treated as upcoming.
func (a Appointment) Validate() error {
	if a.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidAppointment)
	}
	if strings.TrimSpace(a.DoctorName) == "" {
		return fmt.Errorf("%w: doctor name is required", ErrInvalidAppointment)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAppointment, a.Status)
	}
	return nil
}

// Codec maps appointments to and from store documents.
type Codec struct{}

func (Codec) ID(a Appointment) string { return a.ID }

func (Codec) Encode(a Appointment) (map[string]any, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	status := a.Status
	if status == "" {
		status = StatusUpcoming
	}
	return map[string]any{
		"date":         a.Date.UTC(),
		"doctorName":   a.DoctorName,
		"hospitalName": a.HospitalName,
		"reason":       a.Reason,
		"status":       string(status),
	}, nil
}

func (Codec) Decode(doc store.Document) (Appointment, error) {
	get := func(k string) string {
		s, _ := doc.Fields[k].(string)
		return s
	}
	a := Appointment{
		ID:           doc.ID,
		Date:         doc.Date(),
		DoctorName:   get("doctorName"),
		HospitalName: get("hospitalName"),
		Reason:       get("reason"),
		Status:       Status(get("status")),
	}
	if !a.Status.Valid() {
		a.Status = StatusUpcoming
	}
	return a, nil
}
