package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// AppointmentRepository persists appointment records. Methods that change a
// row return apperr.NotFoundError when the id does not exist.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate reads the row and locks it for the enclosing transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListActiveForPatient returns scheduled or confirmed appointments of the
	// patient dated on or after fromDate.
	ListActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDate string) ([]*Appointment, error)
	// ApplyReschedule moves the slot and appends ev to the history in one
	// statement. A nil ev leaves the history untouched.
	ApplyReschedule(ctx context.Context, id uuid.UUID, date, tm string, ev HistoryEvent) (*Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error)
	// Finalize sets status completed and stores diagnosis in one statement.
	Finalize(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error)
	UpdateDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, in DetailsInput) (*Appointment, error)
	SetTriageID(ctx context.Context, id uuid.UUID, triageID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}
