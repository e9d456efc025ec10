package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/db"
)

type appointmentRepoPG struct {
	pool   db.Querier
	logger zerolog.Logger
}

func NewAppointmentRepoPG(pool db.Querier, logger zerolog.Logger) AppointmentRepository {
	return &appointmentRepoPG{pool: pool, logger: logger}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, to_char(appt_date, 'YYYY-MM-DD'), to_char(appt_time, 'HH24:MI'),
	type, status, notes, referral_source, diagnosis, history, triage_id,
	created_by, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var history []byte
	err := row.Scan(&a.ID, &a.PatientID, &a.Date, &a.Time,
		&a.Type, &a.Status, &a.Notes, &a.ReferralSource, &a.Diagnosis, &history, &a.TriageID,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.History = DecodeHistory(history, r.logger.With().Str("appointment_id", a.ID.String()).Logger())
	return &a, nil
}

func (r *appointmentRepoPG) one(row pgx.Row, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("appointment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	if a.History == nil {
		a.History = History{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, appt_date, appt_time, type, status,
			notes, referral_source, diagnosis, history, created_by)
		VALUES ($1, $2, $3::date, $4::time, $5, $6, $7, $8, $9, '[]'::jsonb, $10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.Date, a.Time, a.Type, a.Status,
		a.Notes, a.ReferralSource, a.Diagnosis, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id), id)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id), id)
}

func (r *appointmentRepoPG) ListActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDate string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 AND status IN ('scheduled', 'confirmed') AND appt_date >= $2::date
		ORDER BY appt_date, appt_time`, patientID, fromDate)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// historyAppendSQL repairs a non-array history before appending so that
// legacy rows do not reject the reschedule.
const historyAppendSQL = `(CASE WHEN jsonb_typeof(history) = 'array' THEN history ELSE '[]'::jsonb END) || $4::jsonb`

func (r *appointmentRepoPG) ApplyReschedule(ctx context.Context, id uuid.UUID, date, tm string, ev HistoryEvent) (*Appointment, error) {
	if ev == nil {
		return r.one(r.conn(ctx).QueryRow(ctx, `
			UPDATE appointment SET appt_date = $2::date, appt_time = $3::time, updated_at = NOW()
			WHERE id = $1
			RETURNING `+apptCols, id, date, tm), id)
	}
	entry, err := EncodeEvents(ev)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return r.one(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET appt_date = $2::date, appt_time = $3::time,
			history = `+historyAppendSQL+`, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, date, tm, string(entry)), id)
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, status), id)
}

func (r *appointmentRepoPG) Finalize(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status = 'completed', diagnosis = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, diagnosis), id)
}

func (r *appointmentRepoPG) UpdateDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET diagnosis = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, diagnosis), id)
}

func (r *appointmentRepoPG) UpdateDetails(ctx context.Context, id uuid.UUID, in DetailsInput) (*Appointment, error) {
	return r.one(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET type = $2, notes = $3, referral_source = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, in.Type, in.Notes, in.ReferralSource), id)
}

func (r *appointmentRepoPG) SetTriageID(ctx context.Context, id uuid.UUID, triageID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment SET triage_id = $2, updated_at = NOW() WHERE id = $1`, id, triageID)
	if err != nil {
		return fmt.Errorf("set triage_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment", id)
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment", id)
	}
	return nil
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	query := `SELECT ` + apptCols + ` FROM appointment WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM appointment WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PatientID != nil {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != "" {
		query += fmt.Sprintf(` AND appt_date >= $%d::date`, idx)
		countQuery += fmt.Sprintf(` AND appt_date >= $%d::date`, idx)
		args = append(args, f.From)
		idx++
	}
	if f.To != "" {
		query += fmt.Sprintf(` AND appt_date <= $%d::date`, idx)
		countQuery += fmt.Sprintf(` AND appt_date <= $%d::date`, idx)
		args = append(args, f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY appt_date, appt_time LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
