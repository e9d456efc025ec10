package encounter

import (
	"context"

	"github.com/google/uuid"
)

type VitalsRepository interface {
	Create(ctx context.Context, v *Vitals) error
	GetByID(ctx context.Context, id uuid.UUID) (*Vitals, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Vitals, error)
	Update(ctx context.Context, v *Vitals) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*Prescription, int, error)
}

// ExamOrderRepository stores orders and their result rows. Orders returned
// by GetByID and List carry their results in upload order.
type ExamOrderRepository interface {
	Create(ctx context.Context, o *ExamOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*ExamOrder, error)
	Update(ctx context.Context, o *ExamOrder) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status ExamStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*ExamOrder, int, error)

	AddResult(ctx context.Context, r *ExamResult) error
	GetResult(ctx context.Context, examOrderID, resultID uuid.UUID) (*ExamResult, error)
	DeleteResult(ctx context.Context, examOrderID, resultID uuid.UUID) error
}
