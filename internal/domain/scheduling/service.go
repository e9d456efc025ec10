package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/outpatient/internal/domain/identity"
	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/auth"
	"github.com/ehr/outpatient/internal/platform/db"
	"github.com/ehr/outpatient/internal/platform/metrics"
)

// Clock supplies the current instant. "Today" for booking checks is the
// clock's date in the clinic location.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service coordinates the appointment record: booking with soft conflict
// warnings, rescheduling with history, and the status machine.
type Service struct {
	appointments AppointmentRepository
	patients     identity.Directory
	tx           db.Transactor
	bookingTx    db.Transactor
	clock        Clock
	loc          *time.Location
	metrics      *metrics.ClinicMetrics
	logger       zerolog.Logger
}

func NewService(appt AppointmentRepository, patients identity.Directory, logger zerolog.Logger) *Service {
	return &Service{
		appointments: appt,
		patients:     patients,
		tx:           db.NoTx{},
		bookingTx:    db.NoTx{},
		clock:        systemClock{},
		loc:          time.UTC,
		logger:       logger.With().Str("component", "scheduling").Logger(),
	}
}

// SetTx sets the runner used for reschedules, status changes and
// diagnosis edits.
func (s *Service) SetTx(tx db.Transactor) { s.tx = tx }

// SetBookingTx sets the runner wrapping the duplicate check and insert.
// It should use SERIALIZABLE isolation.
func (s *Service) SetBookingTx(tx db.Transactor) { s.bookingTx = tx }

func (s *Service) SetClock(c Clock) { s.clock = c }

func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) SetMetrics(m *metrics.ClinicMetrics) { s.metrics = m }

// Location returns the clinic time zone used for civil dates.
func (s *Service) Location() *time.Location { return s.loc }

// Today returns the current civil date in the clinic location.
func (s *Service) Today() string {
	return s.clock.Now().In(s.loc).Format(DateLayout)
}

// -- Booking --

// CreateAppointment books a visit. Unacknowledged warnings are returned in
// the result with a nil error and nothing is persisted. The past-date check
// runs before the duplicate check; each needs its own acknowledgement.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*BookingResult, error) {
	operator := auth.OperatorFromContext(ctx)
	if operator == "" {
		return nil, apperr.Validation("created_by", "acting operator is required")
	}
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "is required")
	}
	date, tm, err := normalizeSlot(in.Date, in.Time)
	if err != nil {
		return nil, err
	}
	if err := validateType(in.Type); err != nil {
		return nil, err
	}

	patient, err := s.patients.ResolvePatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().In(s.loc)
	startsAt, err := time.ParseInLocation(DateTimeLayout, date+" "+tm, s.loc)
	if err != nil {
		return nil, apperr.Validation("date", "%v", err)
	}
	if startsAt.Before(now.Truncate(time.Minute)) && !in.acknowledged(WarningPastDate) {
		s.metrics.ObserveBookingWarning(string(WarningPastDate))
		s.logger.Info().Str("patient_id", in.PatientID.String()).Str("slot", date+" "+tm).
			Msg("booking held: past date")
		return &BookingResult{
			Patient: patient,
			Warning: &Warning{Kind: WarningPastDate, Message: pastDateMessage(date + " " + tm)},
		}, nil
	}

	result := &BookingResult{Patient: patient}
	today := now.Format(DateLayout)
	err = s.bookingTx.RunInTx(ctx, func(ctx context.Context) error {
		conflicts, err := s.appointments.ListActiveForPatient(ctx, in.PatientID, today)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 && !in.acknowledged(WarningDuplicateBooking) {
			result.Warning = &Warning{
				Kind:      WarningDuplicateBooking,
				Message:   fmt.Sprintf("patient already has %d upcoming appointment(s)", len(conflicts)),
				Conflicts: conflicts,
			}
			return nil
		}

		appt := &Appointment{
			PatientID:      in.PatientID,
			Date:           date,
			Time:           tm,
			Type:           in.Type,
			Status:         StatusScheduled,
			Notes:          in.Notes,
			ReferralSource: in.ReferralSource,
			History:        History{},
			CreatedBy:      operator,
		}
		if err := s.appointments.Create(ctx, appt); err != nil {
			return err
		}
		result.Appointment = appt
		return nil
	})
	if db.IsSerializationFailure(err) {
		s.metrics.ObserveBookingWarning("serialization_conflict")
		s.logger.Warn().Err(err).Str("patient_id", in.PatientID.String()).Str("slot", date+" "+tm).
			Msg("booking aborted by a concurrent change")
		return nil, &apperr.ConflictError{Message: "booking conflicted with a concurrent change, retry"}
	}
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	if result.Warning != nil {
		s.metrics.ObserveBookingWarning(string(result.Warning.Kind))
		s.logger.Info().Str("patient_id", in.PatientID.String()).Int("conflicts", len(result.Warning.Conflicts)).
			Msg("booking held: duplicate booking")
		return result, nil
	}
	s.metrics.ObserveBooking()
	s.logger.Info().Str("appointment_id", result.Appointment.ID.String()).
		Str("created_by", operator).Msg("appointment created")
	return result, nil
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// LockAppointment reads the appointment and locks its row until the
// transaction carried by ctx ends.
func (s *Service) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetForUpdate(ctx, id)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) (History, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.History, nil
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("status", "unknown status %q", f.Status)
	}
	var err error
	if f.From != "" {
		if f.From, err = NormalizeDate(f.From); err != nil {
			return nil, 0, err
		}
	}
	if f.To != "" {
		if f.To, err = NormalizeDate(f.To); err != nil {
			return nil, 0, err
		}
	}
	return s.appointments.Search(ctx, f, limit, offset)
}

// -- Mutations --

// RescheduleAppointment moves the appointment to date/time. A move to the
// same minute is a no-op; otherwise one Rescheduled event is appended.
// The status is never changed.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, date, tm string) (*Appointment, error) {
	date, tm, err := normalizeSlot(date, tm)
	if err != nil {
		return nil, err
	}

	var out *Appointment
	moved := false
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Date == date && cur.Time == tm {
			out = cur
			return nil
		}
		ev := Rescheduled{Timestamp: s.clock.Now().UTC(), From: cur.Slot(), To: date + " " + tm}
		out, err = s.appointments.ApplyReschedule(ctx, id, date, tm, ev)
		moved = err == nil
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}
	if moved {
		s.metrics.ObserveReschedule()
		s.logger.Info().Str("appointment_id", id.String()).Str("to", out.Slot()).Msg("appointment rescheduled")
	}
	return out, nil
}

// UpdateStatus applies one edge of the status machine. Completing an
// appointment stores its current diagnosis in the same statement.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	var out *Appointment
	var from Status
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		if err := checkTransition(cur.Status, to); err != nil {
			return err
		}
		if to == StatusCompleted {
			out, err = s.appointments.Finalize(ctx, id, cur.Diagnosis)
			return err
		}
		out, err = s.appointments.UpdateStatus(ctx, id, to)
		return err
	})
	if err != nil {
		if from != "" {
			s.metrics.ObserveTransition(string(from), string(to), false)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}
	s.metrics.ObserveTransition(string(from), string(to), true)
	if to == StatusCompleted {
		s.metrics.ObserveFinalization()
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("from", string(from)).Str("to", string(to)).
		Msg("appointment status changed")
	return out, nil
}

// Finalize stores diagnosis and completes the appointment in one statement.
// A completed appointment yields ImmutableRecordError; any other status
// outside the table yields InvalidTransitionError.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	var out *Appointment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			return &apperr.ImmutableRecordError{Field: "diagnosis", Status: string(cur.Status)}
		}
		if err := checkTransition(cur.Status, StatusCompleted); err != nil {
			return err
		}
		out, err = s.appointments.Finalize(ctx, id, diagnosis)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finalize appointment: %w", err)
	}
	s.metrics.ObserveTransition(string(StatusConfirmed), string(StatusCompleted), true)
	s.metrics.ObserveFinalization()
	s.logger.Info().Str("appointment_id", id.String()).Msg("appointment finalized")
	return out, nil
}

// SetDiagnosis overwrites the diagnosis unless the appointment is completed.
func (s *Service) SetDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	var out *Appointment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			return &apperr.ImmutableRecordError{Field: "diagnosis", Status: string(cur.Status)}
		}
		out, err = s.appointments.UpdateDiagnosis(ctx, id, diagnosis)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("set diagnosis: %w", err)
	}
	return out, nil
}

// UpdateAppointmentDetails edits type, notes and referral source.
func (s *Service) UpdateAppointmentDetails(ctx context.Context, id uuid.UUID, in DetailsInput) (*Appointment, error) {
	if err := validateType(in.Type); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			return &apperr.ImmutableRecordError{Field: "details", Status: string(cur.Status)}
		}
		out, err = s.appointments.UpdateDetails(ctx, id, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update appointment details: %w", err)
	}
	return out, nil
}

// LinkTriage points the appointment at its vitals record.
func (s *Service) LinkTriage(ctx context.Context, id, triageID uuid.UUID) error {
	return s.appointments.SetTriageID(ctx, id, triageID)
}

// DeleteAppointment removes the record permanently regardless of status.
// Vitals and clinical artifacts keep their appointment_id.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if err := s.appointments.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Warn().Str("appointment_id", id.String()).Str("operator", auth.OperatorFromContext(ctx)).
		Msg("appointment permanently deleted")
	return nil
}
