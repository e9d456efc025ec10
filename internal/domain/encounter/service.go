package encounter

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/outpatient/internal/domain/identity"
	"github.com/ehr/outpatient/internal/domain/scheduling"
	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/auth"
	"github.com/ehr/outpatient/internal/platform/blobstore"
	"github.com/ehr/outpatient/internal/platform/db"
	"github.com/ehr/outpatient/internal/platform/metrics"
)

// AppointmentLedger is the part of the scheduling coordinator the
// encounter needs. *scheduling.Service satisfies it.
type AppointmentLedger interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	LockAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	LinkTriage(ctx context.Context, id, triageID uuid.UUID) error
	SetDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*scheduling.Appointment, error)
	Finalize(ctx context.Context, id uuid.UUID, diagnosis string) (*scheduling.Appointment, error)
	Today() string
}

// Service records clinical work against an appointment: vitals, the
// diagnosis, prescriptions and exam orders with their result files.
type Service struct {
	ledger        AppointmentLedger
	patients      identity.Directory
	vitals        VitalsRepository
	prescriptions PrescriptionRepository
	exams         ExamOrderRepository
	blobs         blobstore.Store
	tx            db.Transactor
	metrics       *metrics.ClinicMetrics
	logger        zerolog.Logger
}

func NewService(ledger AppointmentLedger, patients identity.Directory, vitals VitalsRepository,
	prescriptions PrescriptionRepository, exams ExamOrderRepository, blobs blobstore.Store,
	logger zerolog.Logger) *Service {
	return &Service{
		ledger:        ledger,
		patients:      patients,
		vitals:        vitals,
		prescriptions: prescriptions,
		exams:         exams,
		blobs:         blobs,
		tx:            db.NoTx{},
		logger:        logger.With().Str("component", "encounter").Logger(),
	}
}

func (s *Service) SetTx(tx db.Transactor) { s.tx = tx }

func (s *Service) SetMetrics(m *metrics.ClinicMetrics) { s.metrics = m }

func requireOperator(ctx context.Context) (string, error) {
	op := auth.OperatorFromContext(ctx)
	if op == "" {
		return "", apperr.Validation("created_by", "acting operator is required")
	}
	return op, nil
}

// -- Vitals --

// AttachVitals creates or overwrites the appointment's single vitals record.
// The appointment row stays locked until the record and triage_id agree.
func (s *Service) AttachVitals(ctx context.Context, appointmentID uuid.UUID, in VitalsInput) (*Vitals, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Vitals
	created := false
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		appt, err := s.ledger.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		existing, err := s.currentVitals(ctx, appt)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.apply(in)
			if err := s.vitals.Update(ctx, existing); err != nil {
				return err
			}
			out = existing
			if appt.TriageID == nil || *appt.TriageID != existing.ID {
				return s.ledger.LinkTriage(ctx, appt.ID, existing.ID)
			}
			return nil
		}

		v := &Vitals{PatientID: appt.PatientID, AppointmentID: appt.ID, Date: s.ledger.Today()}
		v.apply(in)
		if err := s.vitals.Create(ctx, v); err != nil {
			return err
		}
		out, created = v, true
		return s.ledger.LinkTriage(ctx, appt.ID, v.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("attach vitals: %w", err)
	}
	op := "update"
	if created {
		op = "create"
	}
	s.metrics.ObserveArtifact("vitals", op)
	s.logger.Info().Str("appointment_id", appointmentID.String()).Str("vitals_id", out.ID.String()).
		Str("op", op).Msg("vitals attached")
	return out, nil
}

// currentVitals follows triage_id and falls back to the appointment_id
// lookup when the reference dangles. It returns nil when neither resolves.
func (s *Service) currentVitals(ctx context.Context, appt *scheduling.Appointment) (*Vitals, error) {
	if appt.TriageID != nil {
		v, err := s.vitals.GetByID(ctx, *appt.TriageID)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		s.logger.Warn().Str("appointment_id", appt.ID.String()).Str("triage_id", appt.TriageID.String()).
			Msg("triage_id does not resolve, replacing")
	}
	v, err := s.vitals.GetByAppointment(ctx, appt.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *Service) GetVitals(ctx context.Context, appointmentID uuid.UUID) (*Vitals, error) {
	appt, err := s.ledger.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	v, err := s.currentVitals(ctx, appt)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperr.NotFound("vitals for appointment", appointmentID)
	}
	return v, nil
}

// DeleteVitals removes a vitals record. The owning appointment keeps its
// triage_id, which the next AttachVitals replaces.
func (s *Service) DeleteVitals(ctx context.Context, id uuid.UUID) error {
	if err := s.vitals.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.ObserveArtifact("vitals", "delete")
	s.logger.Warn().Str("vitals_id", id.String()).Str("operator", auth.OperatorFromContext(ctx)).
		Msg("vitals deleted")
	return nil
}

// -- Diagnosis --

func (s *Service) SetDiagnosis(ctx context.Context, appointmentID uuid.UUID, text string) (*scheduling.Appointment, error) {
	return s.ledger.SetDiagnosis(ctx, appointmentID, text)
}

// FinishEncounter stores text as the final diagnosis and completes the
// appointment in a single update.
func (s *Service) FinishEncounter(ctx context.Context, appointmentID uuid.UUID, text string) (*scheduling.Appointment, error) {
	var out *scheduling.Appointment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.ledger.Finalize(ctx, appointmentID, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finish encounter: %w", err)
	}
	s.logger.Info().Str("appointment_id", appointmentID.String()).
		Str("operator", auth.OperatorFromContext(ctx)).Msg("encounter finished")
	return out, nil
}

// -- Prescriptions --

// AddPrescription writes a new prescription for the appointment's patient.
// Every call creates a separate record.
func (s *Service) AddPrescription(ctx context.Context, appointmentID uuid.UUID, in PrescriptionInput) (*Prescription, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	operator, err := requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	appt, err := s.ledger.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	p := &Prescription{
		PatientID:     appt.PatientID,
		AppointmentID: &appt.ID,
		Medications:   in.Medications,
		Instructions:  in.Instructions,
		Date:          orDefault(in.Date, appt.Date),
		CreatedBy:     operator,
	}
	if err := s.createPrescription(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePrescription writes a prescription that belongs to no appointment.
func (s *Service) CreatePrescription(ctx context.Context, in PrescriptionInput) (*Prescription, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	operator, err := requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.resolvePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	p := &Prescription{
		PatientID:    in.PatientID,
		Medications:  in.Medications,
		Instructions: in.Instructions,
		Date:         orDefault(in.Date, s.ledger.Today()),
		CreatedBy:    operator,
	}
	if err := s.createPrescription(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) createPrescription(ctx context.Context, p *Prescription) error {
	if p.Medications == nil {
		p.Medications = []MedicationLine{}
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		return fmt.Errorf("create prescription: %w", err)
	}
	s.metrics.ObserveArtifact("prescription", "create")
	s.logger.Info().Str("prescription_id", p.ID.String()).Str("patient_id", p.PatientID.String()).
		Int("medications", len(p.Medications)).Msg("prescription created")
	return nil
}

// EditPrescription replaces the medications, instructions and date.
// It is allowed whatever the appointment status.
func (s *Service) EditPrescription(ctx context.Context, id uuid.UUID, in PrescriptionInput) (*Prescription, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Medications = in.Medications
	p.Instructions = in.Instructions
	p.Date = orDefault(in.Date, p.Date)
	if err := s.prescriptions.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("edit prescription: %w", err)
	}
	s.metrics.ObserveArtifact("prescription", "update")
	return p, nil
}

func (s *Service) DeletePrescription(ctx context.Context, id uuid.UUID) error {
	if err := s.prescriptions.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.ObserveArtifact("prescription", "delete")
	s.logger.Info().Str("prescription_id", id.String()).Msg("prescription deleted")
	return nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.prescriptions.GetByID(ctx, id)
}

func (s *Service) ListPrescriptions(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*Prescription, int, error) {
	return s.prescriptions.List(ctx, f, limit, offset)
}

// -- Exam orders --

// AddExamOrder requests an exam for the appointment's patient. New orders
// start in requested.
func (s *Service) AddExamOrder(ctx context.Context, appointmentID uuid.UUID, in ExamOrderInput) (*ExamOrder, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	operator, err := requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	appt, err := s.ledger.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	o := &ExamOrder{
		PatientID:         appt.PatientID,
		AppointmentID:     &appt.ID,
		Type:              in.Type,
		Reason:            in.Reason,
		OrderingPhysician: in.OrderingPhysician,
		Date:              orDefault(in.Date, appt.Date),
		Status:            ExamRequested,
		CreatedBy:         operator,
	}
	if err := s.createExamOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateExamOrder requests an exam outside any appointment.
func (s *Service) CreateExamOrder(ctx context.Context, in ExamOrderInput) (*ExamOrder, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	operator, err := requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.resolvePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	o := &ExamOrder{
		PatientID:         in.PatientID,
		Type:              in.Type,
		Reason:            in.Reason,
		OrderingPhysician: in.OrderingPhysician,
		Date:              orDefault(in.Date, s.ledger.Today()),
		Status:            ExamRequested,
		CreatedBy:         operator,
	}
	if err := s.createExamOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) createExamOrder(ctx context.Context, o *ExamOrder) error {
	o.Results = []ExamResult{}
	if err := s.exams.Create(ctx, o); err != nil {
		return fmt.Errorf("create exam order: %w", err)
	}
	s.metrics.ObserveArtifact("exam_order", "create")
	s.logger.Info().Str("exam_order_id", o.ID.String()).Str("type", o.Type).Msg("exam order created")
	return nil
}

func (s *Service) EditExamOrder(ctx context.Context, id uuid.UUID, in ExamOrderInput) (*ExamOrder, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	o, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Type = in.Type
	o.Reason = in.Reason
	o.OrderingPhysician = in.OrderingPhysician
	o.Date = orDefault(in.Date, o.Date)
	if err := s.exams.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("edit exam order: %w", err)
	}
	s.metrics.ObserveArtifact("exam_order", "update")
	s.statResults(ctx, o)
	return o, nil
}

// SetExamOrderStatus moves an order between requested and results_ready.
// Uploading results never does this implicitly.
func (s *Service) SetExamOrderStatus(ctx context.Context, id uuid.UUID, status ExamStatus) (*ExamOrder, error) {
	if !status.Valid() {
		return nil, apperr.Validation("status", "unknown exam status %q", status)
	}
	if err := s.exams.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	s.logger.Info().Str("exam_order_id", id.String()).Str("status", string(status)).Msg("exam order status changed")
	return s.GetExamOrder(ctx, id)
}

// DeleteExamOrder removes the order with its result rows, then makes a
// best-effort attempt to remove the stored files.
func (s *Service) DeleteExamOrder(ctx context.Context, id uuid.UUID) error {
	o, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.exams.Delete(ctx, id); err != nil {
		return err
	}
	for _, r := range o.Results {
		s.deleteBlob(ctx, r.FilePath)
	}
	s.metrics.ObserveArtifact("exam_order", "delete")
	s.logger.Info().Str("exam_order_id", id.String()).Int("results", len(o.Results)).Msg("exam order deleted")
	return nil
}

func (s *Service) GetExamOrder(ctx context.Context, id uuid.UUID) (*ExamOrder, error) {
	o, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.statResults(ctx, o)
	return o, nil
}

func (s *Service) ListExamOrders(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*ExamOrder, int, error) {
	items, total, err := s.exams.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, o := range items {
		s.statResults(ctx, o)
	}
	return items, total, nil
}

// AttachExamResult stores the file and appends a result row. Earlier
// results and the order status are left as they are.
func (s *Service) AttachExamResult(ctx context.Context, examID uuid.UUID, up ExamResultUpload) (*ExamResult, error) {
	if err := blobstore.ValidateUpload(up.FileName, up.ContentType); err != nil {
		return nil, apperr.Validation("file", "%v", err)
	}
	if _, err := s.exams.GetByID(ctx, examID); err != nil {
		return nil, err
	}

	obj, err := s.blobs.Put(ctx, blobstore.NewKey("exam/"+examID.String(), up.FileName), up.ContentType, up.Content)
	if err != nil {
		if errors.Is(err, blobstore.ErrFileTooLarge) {
			return nil, apperr.Validation("file", "%v", err)
		}
		return nil, fmt.Errorf("store exam result: %w", err)
	}

	res := &ExamResult{
		ExamOrderID:  examID,
		FilePath:     obj.Key,
		OriginalName: up.FileName,
		Note:         up.Note,
	}
	if err := s.exams.AddResult(ctx, res); err != nil {
		s.deleteBlob(ctx, obj.Key)
		return nil, fmt.Errorf("attach exam result: %w", err)
	}
	res.FileExists = true
	s.metrics.ObserveArtifact("exam_result", "create")
	s.metrics.ObserveExamResultSize(obj.Size)
	s.logger.Info().Str("exam_order_id", examID.String()).Str("result_id", res.ID.String()).
		Int64("bytes", obj.Size).Msg("exam result attached")
	return res, nil
}

// DeleteExamResult removes the result row and its stored file.
func (s *Service) DeleteExamResult(ctx context.Context, examID, resultID uuid.UUID) error {
	res, err := s.exams.GetResult(ctx, examID, resultID)
	if err != nil {
		return err
	}
	if err := s.exams.DeleteResult(ctx, examID, resultID); err != nil {
		return err
	}
	s.deleteBlob(ctx, res.FilePath)
	s.metrics.ObserveArtifact("exam_result", "delete")
	return nil
}

// OpenExamResult returns the stored file of one result. The caller closes it.
func (s *Service) OpenExamResult(ctx context.Context, examID, resultID uuid.UUID) (*ExamResult, io.ReadCloser, error) {
	res, err := s.exams.GetResult(ctx, examID, resultID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Open(ctx, res.FilePath)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, apperr.NotFound("exam result file", resultID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open exam result: %w", err)
	}
	res.FileExists = true
	return res, rc, nil
}

// statResults sets FileExists on every result. A store error counts as
// missing.
func (s *Service) statResults(ctx context.Context, o *ExamOrder) {
	for i := range o.Results {
		ok, err := s.blobs.Exists(ctx, o.Results[i].FilePath)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", o.Results[i].FilePath).Msg("blob stat failed")
		}
		o.Results[i].FileExists = ok && err == nil
	}
}

func (s *Service) deleteBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("key", key).Msg("stored file not removed")
	}
}

// -- Summary --

// Summary collects the appointment and everything recorded against it.
func (s *Service) Summary(ctx context.Context, appointmentID uuid.UUID) (*Summary, error) {
	appt, err := s.ledger.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	out := &Summary{Appointment: appt, Prescriptions: []*Prescription{}, ExamOrders: []*ExamOrder{}}
	if out.Vitals, err = s.currentVitals(ctx, appt); err != nil {
		return nil, err
	}

	f := ArtifactFilter{AppointmentID: &appt.ID}
	rx, _, err := s.prescriptions.List(ctx, f, summaryLimit, 0)
	if err != nil {
		return nil, err
	}
	if rx != nil {
		out.Prescriptions = rx
	}
	exams, _, err := s.ListExamOrders(ctx, f, summaryLimit, 0)
	if err != nil {
		return nil, err
	}
	if exams != nil {
		out.ExamOrders = exams
	}
	return out, nil
}

const summaryLimit = 500

func (s *Service) resolvePatient(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return apperr.Validation("patient_id", "is required")
	}
	_, err := s.patients.ResolvePatient(ctx, id)
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
