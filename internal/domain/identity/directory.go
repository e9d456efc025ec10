// Package identity resolves patient identifiers against the patient
// directory the clinic shares with registration. Patients are never
// created or edited here.
package identity

import (
	"context"

	"github.com/google/uuid"
)

// PatientRef is the minimal view of a patient needed to book and label
// appointments.
type PatientRef struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// Directory resolves a patient id. Unknown ids yield apperr.NotFoundError.
type Directory interface {
	ResolvePatient(ctx context.Context, id uuid.UUID) (*PatientRef, error)
}
