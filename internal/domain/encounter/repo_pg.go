package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/db"
)

func notFoundOr(err error, resource string, id uuid.UUID, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource, id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func execOne(ctx context.Context, q db.Querier, resource string, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(resource, id)
	}
	return nil
}

// filterClause appends the ArtifactFilter conditions shared by the
// prescription and exam order lists.
func filterClause(f ArtifactFilter) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.AppointmentID != nil {
		where += fmt.Sprintf(` AND appointment_id = $%d`, idx)
		args = append(args, *f.AppointmentID)
	}
	return where, args
}

// =========== Vitals Repository ===========

type vitalsRepoPG struct{ pool db.Querier }

func NewVitalsRepoPG(pool db.Querier) VitalsRepository { return &vitalsRepoPG{pool: pool} }

func (r *vitalsRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const vitalsCols = `id, patient_id, appointment_id, to_char(recorded_date, 'YYYY-MM-DD'),
	weight_kg, height_cm, blood_pressure, heart_rate, temperature_c, oxygen_saturation,
	notes, created_at, updated_at`

func scanVitals(row pgx.Row) (*Vitals, error) {
	var v Vitals
	err := row.Scan(&v.ID, &v.PatientID, &v.AppointmentID, &v.Date,
		&v.WeightKg, &v.HeightCm, &v.BloodPressure, &v.HeartRate, &v.TemperatureC, &v.OxygenSaturation,
		&v.Notes, &v.CreatedAt, &v.UpdatedAt)
	return &v, err
}

func (r *vitalsRepoPG) Create(ctx context.Context, v *Vitals) error {
	v.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO vitals (id, patient_id, appointment_id, recorded_date, weight_kg, height_cm,
			blood_pressure, heart_rate, temperature_c, oxygen_saturation, notes)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		v.ID, v.PatientID, v.AppointmentID, v.Date, v.WeightKg, v.HeightCm,
		v.BloodPressure, v.HeartRate, v.TemperatureC, v.OxygenSaturation, v.Notes,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert vitals: %w", err)
	}
	return nil
}

func (r *vitalsRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Vitals, error) {
	v, err := scanVitals(r.conn(ctx).QueryRow(ctx, `SELECT `+vitalsCols+` FROM vitals WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "vitals", id, "get vitals")
	}
	return v, nil
}

func (r *vitalsRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Vitals, error) {
	v, err := scanVitals(r.conn(ctx).QueryRow(ctx,
		`SELECT `+vitalsCols+` FROM vitals WHERE appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, notFoundOr(err, "vitals for appointment", appointmentID, "get vitals by appointment")
	}
	return v, nil
}

func (r *vitalsRepoPG) Update(ctx context.Context, v *Vitals) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE vitals SET recorded_date = $2::date, weight_kg = $3, height_cm = $4, blood_pressure = $5,
			heart_rate = $6, temperature_c = $7, oxygen_saturation = $8, notes = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		v.ID, v.Date, v.WeightKg, v.HeightCm, v.BloodPressure,
		v.HeartRate, v.TemperatureC, v.OxygenSaturation, v.Notes,
	).Scan(&v.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "vitals", v.ID, "update vitals")
	}
	return nil
}

func (r *vitalsRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return execOne(ctx, r.conn(ctx), "vitals", id, `DELETE FROM vitals WHERE id = $1`, id)
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool db.Querier }

func NewPrescriptionRepoPG(pool db.Querier) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const rxCols = `id, patient_id, appointment_id, medications, instructions,
	to_char(prescription_date, 'YYYY-MM-DD'), created_by, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var meds []byte
	err := row.Scan(&p.ID, &p.PatientID, &p.AppointmentID, &meds, &p.Instructions,
		&p.Date, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Medications = []MedicationLine{}
	if len(meds) > 0 {
		if err := json.Unmarshal(meds, &p.Medications); err != nil {
			return nil, fmt.Errorf("decode medications of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func encodeMedications(lines []MedicationLine) (string, error) {
	if lines == nil {
		lines = []MedicationLine{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("encode medications: %w", err)
	}
	return string(b), nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	meds, err := encodeMedications(p.Medications)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, appointment_id, medications, instructions,
			prescription_date, created_by)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6::date, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.AppointmentID, meds, p.Instructions, p.Date, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescription WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "prescription", id, "get prescription")
	}
	return p, nil
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription) error {
	meds, err := encodeMedications(p.Medications)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET medications = $2::jsonb, instructions = $3,
			prescription_date = $4::date, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, meds, p.Instructions, p.Date,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "prescription", p.ID, "update prescription")
	}
	return nil
}

func (r *prescriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return execOne(ctx, r.conn(ctx), "prescription", id, `DELETE FROM prescription WHERE id = $1`, id)
}

func (r *prescriptionRepoPG) List(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*Prescription, int, error) {
	where, args := filterClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescription`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	n := len(args)
	query := `SELECT ` + rxCols + ` FROM prescription` + where +
		fmt.Sprintf(` ORDER BY prescription_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan prescription: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Exam Order Repository ===========

type examOrderRepoPG struct{ pool db.Querier }

func NewExamOrderRepoPG(pool db.Querier) ExamOrderRepository { return &examOrderRepoPG{pool: pool} }

func (r *examOrderRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const examCols = `id, patient_id, appointment_id, type, reason, ordering_physician,
	to_char(exam_date, 'YYYY-MM-DD'), status, created_by, created_at, updated_at`

const resultCols = `id, exam_order_id, file_path, original_name, note, uploaded_at`

func scanExamOrder(row pgx.Row) (*ExamOrder, error) {
	var o ExamOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.AppointmentID, &o.Type, &o.Reason, &o.OrderingPhysician,
		&o.Date, &o.Status, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	o.Results = []ExamResult{}
	return &o, err
}

func scanExamResult(row pgx.Row) (*ExamResult, error) {
	var res ExamResult
	err := row.Scan(&res.ID, &res.ExamOrderID, &res.FilePath, &res.OriginalName, &res.Note, &res.UploadedAt)
	return &res, err
}

func (r *examOrderRepoPG) Create(ctx context.Context, o *ExamOrder) error {
	o.ID = uuid.New()
	if o.Status == "" {
		o.Status = ExamRequested
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_order (id, patient_id, appointment_id, type, reason, ordering_physician,
			exam_date, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.AppointmentID, o.Type, o.Reason, o.OrderingPhysician,
		o.Date, o.Status, o.CreatedBy,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert exam order: %w", err)
	}
	if o.Results == nil {
		o.Results = []ExamResult{}
	}
	return nil
}

func (r *examOrderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ExamOrder, error) {
	o, err := scanExamOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM exam_order WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "exam order", id, "get exam order")
	}
	if err := r.loadResults(ctx, []*ExamOrder{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// loadResults fills Results for every order with one query, ordered by
// upload sequence.
func (r *examOrderRepoPG) loadResults(ctx context.Context, orders []*ExamOrder) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*ExamOrder, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM exam_result
		WHERE exam_order_id = ANY($1) ORDER BY seq`, ids)
	if err != nil {
		return fmt.Errorf("load exam results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		res, err := scanExamResult(rows)
		if err != nil {
			return fmt.Errorf("scan exam result: %w", err)
		}
		if o, ok := byID[res.ExamOrderID]; ok {
			o.Results = append(o.Results, *res)
		}
	}
	return rows.Err()
}

func (r *examOrderRepoPG) Update(ctx context.Context, o *ExamOrder) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE exam_order SET type = $2, reason = $3, ordering_physician = $4, exam_date = $5::date,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.Type, o.Reason, o.OrderingPhysician, o.Date,
	).Scan(&o.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "exam order", o.ID, "update exam order")
	}
	return nil
}

func (r *examOrderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status ExamStatus) error {
	return execOne(ctx, r.conn(ctx), "exam order", id,
		`UPDATE exam_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *examOrderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return execOne(ctx, r.conn(ctx), "exam order", id, `DELETE FROM exam_order WHERE id = $1`, id)
}

func (r *examOrderRepoPG) List(ctx context.Context, f ArtifactFilter, limit, offset int) ([]*ExamOrder, int, error) {
	where, args := filterClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exam_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count exam orders: %w", err)
	}

	n := len(args)
	query := `SELECT ` + examCols + ` FROM exam_order` + where +
		fmt.Sprintf(` ORDER BY exam_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list exam orders: %w", err)
	}
	var items []*ExamOrder
	for rows.Next() {
		o, err := scanExamOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan exam order: %w", err)
		}
		items = append(items, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadResults(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *examOrderRepoPG) AddResult(ctx context.Context, res *ExamResult) error {
	res.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_result (id, exam_order_id, file_path, original_name, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING uploaded_at`,
		res.ID, res.ExamOrderID, res.FilePath, res.OriginalName, res.Note,
	).Scan(&res.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert exam result: %w", err)
	}
	return nil
}

func (r *examOrderRepoPG) GetResult(ctx context.Context, examOrderID, resultID uuid.UUID) (*ExamResult, error) {
	res, err := scanExamResult(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultCols+` FROM exam_result WHERE id = $1 AND exam_order_id = $2`, resultID, examOrderID))
	if err != nil {
		return nil, notFoundOr(err, "exam result", resultID, "get exam result")
	}
	return res, nil
}

func (r *examOrderRepoPG) DeleteResult(ctx context.Context, examOrderID, resultID uuid.UUID) error {
	return execOne(ctx, r.conn(ctx), "exam result", resultID,
		`DELETE FROM exam_result WHERE id = $1 AND exam_order_id = $2`, resultID, examOrderID)
}
