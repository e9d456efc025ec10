package encounter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ehr/outpatient/internal/domain/scheduling"
	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/blobstore"
)

var _ AppointmentLedger = (*scheduling.Service)(nil)

// memAppointmentRepo is a map-backed scheduling.AppointmentRepository. Its
// writes are unconditional, so every lifecycle rule these tests observe is
// enforced by scheduling.Service itself.
type memAppointmentRepo struct {
	items  map[uuid.UUID]*scheduling.Appointment
	writes int
}

func copyAppointment(a *scheduling.Appointment) *scheduling.Appointment {
	cp := *a
	cp.History = append(scheduling.History{}, a.History...)
	return &cp
}

func (m *memAppointmentRepo) get(id uuid.UUID) (*scheduling.Appointment, error) {
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment", id)
	}
	return a, nil
}

func (m *memAppointmentRepo) Create(_ context.Context, a *scheduling.Appointment) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.items[a.ID] = copyAppointment(a)
	m.writes++
	return nil
}

func (m *memAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return m.GetByID(ctx, id)
}

func (m *memAppointmentRepo) ListActiveForPatient(_ context.Context, patientID uuid.UUID, fromDate string) ([]*scheduling.Appointment, error) {
	var out []*scheduling.Appointment
	for _, a := range m.items {
		if a.PatientID == patientID && a.Status.Active() && a.Date >= fromDate {
			out = append(out, copyAppointment(a))
		}
	}
	return out, nil
}

func (m *memAppointmentRepo) ApplyReschedule(_ context.Context, id uuid.UUID, date, tm string, ev scheduling.HistoryEvent) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.Date, a.Time = date, tm
	if ev != nil {
		a.History = append(a.History, ev)
	}
	m.writes++
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status scheduling.Status) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.Status = status
	m.writes++
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) Finalize(_ context.Context, id uuid.UUID, diagnosis string) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.Status = scheduling.StatusCompleted
	a.Diagnosis = diagnosis
	m.writes++
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) UpdateDiagnosis(_ context.Context, id uuid.UUID, diagnosis string) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.Diagnosis = diagnosis
	m.writes++
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) UpdateDetails(_ context.Context, id uuid.UUID, in scheduling.DetailsInput) (*scheduling.Appointment, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.Type, a.Notes, a.ReferralSource = in.Type, in.Notes, in.ReferralSource
	m.writes++
	return copyAppointment(a), nil
}

func (m *memAppointmentRepo) SetTriageID(_ context.Context, id uuid.UUID, triageID uuid.UUID) error {
	a, err := m.get(id)
	if err != nil {
		return err
	}
	a.TriageID = &triageID
	m.writes++
	return nil
}

func (m *memAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, err := m.get(id); err != nil {
		return err
	}
	delete(m.items, id)
	m.writes++
	return nil
}

func (m *memAppointmentRepo) Search(_ context.Context, _ scheduling.AppointmentFilter, _, _ int) ([]*scheduling.Appointment, int, error) {
	out := make([]*scheduling.Appointment, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, copyAppointment(a))
	}
	return out, len(out), nil
}

type stoppedClock struct{ now time.Time }

func (c stoppedClock) Now() time.Time { return c.now }

type schedulingEnv struct {
	svc        *Service
	scheduling *scheduling.Service
	repo       *memAppointmentRepo
	patient    uuid.UUID
}

// newSchedulingEnv wires the encounter service to a real scheduling.Service
// instead of the fake ledger.
func newSchedulingEnv(t *testing.T) *schedulingEnv {
	t.Helper()
	blobs, err := blobstore.NewFSStore(afero.NewMemMapFs(), "/blobs", 1024)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	patient := uuid.New()
	dir := &mockDirectory{patients: map[uuid.UUID]string{patient: "Ana Torres"}}
	repo := &memAppointmentRepo{items: map[uuid.UUID]*scheduling.Appointment{}}

	zone := time.FixedZone("PET", -5*60*60)
	sched := scheduling.NewService(repo, dir, zerolog.Nop())
	sched.SetClock(stoppedClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, zone)})
	sched.SetLocation(zone)

	svc := NewService(sched, dir,
		&mockVitalsRepo{items: map[uuid.UUID]*Vitals{}},
		&mockPrescriptionRepo{items: map[uuid.UUID]*Prescription{}},
		&mockExamRepo{orders: map[uuid.UUID]*ExamOrder{}, results: map[uuid.UUID][]ExamResult{}},
		blobs, zerolog.Nop())
	return &schedulingEnv{svc: svc, scheduling: sched, repo: repo, patient: patient}
}

func (env *schedulingEnv) book(t *testing.T, tm string, status scheduling.Status) uuid.UUID {
	t.Helper()
	ctx := operatorCtx()
	res, err := env.scheduling.CreateAppointment(ctx, scheduling.CreateAppointmentInput{
		PatientID:   env.patient,
		Date:        "2025-03-10",
		Time:        tm,
		Type:        scheduling.TypeInitialConsult,
		ForceCreate: []scheduling.WarningKind{scheduling.WarningDuplicateBooking},
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Appointment == nil {
		t.Fatalf("book: expected appointment, got warning %+v", res.Warning)
	}
	id := res.Appointment.ID
	if status == scheduling.StatusConfirmed {
		if _, err := env.scheduling.UpdateStatus(ctx, id, scheduling.StatusConfirmed); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
	return id
}

func TestFinishEncounter_OverSchedulingService_SecondFinishImmutable(t *testing.T) {
	env := newSchedulingEnv(t)
	id := env.book(t, "09:00", scheduling.StatusConfirmed)
	ctx := operatorCtx()

	done, err := env.svc.FinishEncounter(ctx, id, "Acute sinusitis")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Status != scheduling.StatusCompleted || done.Diagnosis != "Acute sinusitis" {
		t.Fatalf("unexpected finished appointment: %+v", done)
	}

	writes := env.repo.writes
	_, err = env.svc.FinishEncounter(ctx, id, "Allergic rhinitis")
	var ie *apperr.ImmutableRecordError
	if !errors.As(err, &ie) {
		t.Fatalf("expected ImmutableRecordError, got %v", err)
	}
	if ie.Field != "diagnosis" || ie.Status != string(scheduling.StatusCompleted) {
		t.Errorf("unexpected immutable error: %+v", ie)
	}
	if apperr.HTTPStatus(err) != 409 {
		t.Errorf("expected 409, got %d", apperr.HTTPStatus(err))
	}

	_, err = env.svc.SetDiagnosis(ctx, id, "changed")
	if !errors.Is(err, apperr.ErrImmutable) {
		t.Fatalf("expected ErrImmutable from SetDiagnosis, got %v", err)
	}

	if env.repo.writes != writes {
		t.Errorf("expected no writes after completion, got %d", env.repo.writes-writes)
	}
	stored, err := env.scheduling.GetAppointment(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != scheduling.StatusCompleted || stored.Diagnosis != "Acute sinusitis" {
		t.Errorf("expected completed record untouched, got status=%s diagnosis=%q", stored.Status, stored.Diagnosis)
	}
}

func TestFinishEncounter_OverSchedulingService_ScheduledHasNoPartialEffect(t *testing.T) {
	env := newSchedulingEnv(t)
	id := env.book(t, "11:30", scheduling.StatusScheduled)
	writes := env.repo.writes

	_, err := env.svc.FinishEncounter(operatorCtx(), id, "Tension headache")
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if env.repo.writes != writes {
		t.Errorf("expected no writes, got %d", env.repo.writes-writes)
	}
	stored := env.repo.items[id]
	if stored.Status != scheduling.StatusScheduled || stored.Diagnosis != "" {
		t.Errorf("expected no partial effect, got status=%s diagnosis=%q", stored.Status, stored.Diagnosis)
	}
}

func TestFinishEncounter_OverSchedulingService_UnknownAppointment(t *testing.T) {
	env := newSchedulingEnv(t)

	_, err := env.svc.FinishEncounter(operatorCtx(), uuid.New(), "x")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if env.repo.writes != 0 {
		t.Errorf("expected no writes, got %d", env.repo.writes)
	}
}
