package encounter

import (
	"encoding/json"
	"io"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/outpatient/internal/domain/scheduling"
	"github.com/ehr/outpatient/internal/platform/apperr"
)

const (
	MaxInstructionsLen = 550
	MaxReasonLen       = 500
)

// Vitals maps to the vitals table. At most one record exists per
// appointment and the appointment's triage_id points at it.
type Vitals struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	AppointmentID    uuid.UUID `db:"appointment_id" json:"appointment_id"`
	Date             string    `db:"recorded_date" json:"date"`
	WeightKg         *float64  `db:"weight_kg" json:"weight_kg,omitempty"`
	HeightCm         *float64  `db:"height_cm" json:"height_cm,omitempty"`
	BloodPressure    *string   `db:"blood_pressure" json:"blood_pressure,omitempty"`
	HeartRate        *int      `db:"heart_rate" json:"heart_rate,omitempty"`
	TemperatureC     *float64  `db:"temperature_c" json:"temperature_c,omitempty"`
	OxygenSaturation *int      `db:"oxygen_saturation" json:"oxygen_saturation,omitempty"`
	Notes            string    `db:"notes" json:"notes"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// BMI is weight_kg / height_m², rounded to one decimal. It is nil unless
// both weight and height are positive.
func (v *Vitals) BMI() *float64 {
	if v.WeightKg == nil || v.HeightCm == nil || *v.WeightKg <= 0 || *v.HeightCm <= 0 {
		return nil
	}
	m := *v.HeightCm / 100
	bmi := math.Round(*v.WeightKg/(m*m)*10) / 10
	return &bmi
}

func (v Vitals) MarshalJSON() ([]byte, error) {
	type plain Vitals
	return json.Marshal(struct {
		plain
		BMI *float64 `json:"bmi,omitempty"`
	}{plain(v), v.BMI()})
}

func (v *Vitals) apply(in VitalsInput) {
	v.WeightKg = in.WeightKg
	v.HeightCm = in.HeightCm
	v.BloodPressure = in.BloodPressure
	v.HeartRate = in.HeartRate
	v.TemperatureC = in.TemperatureC
	v.OxygenSaturation = in.OxygenSaturation
	v.Notes = in.Notes
	if in.Date != "" {
		v.Date = in.Date
	}
}

type VitalsInput struct {
	Date             string   `json:"date,omitempty"`
	WeightKg         *float64 `json:"weight_kg,omitempty"`
	HeightCm         *float64 `json:"height_cm,omitempty"`
	BloodPressure    *string  `json:"blood_pressure,omitempty"`
	HeartRate        *int     `json:"heart_rate,omitempty"`
	TemperatureC     *float64 `json:"temperature_c,omitempty"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty"`
	Notes            string   `json:"notes"`
}

var bloodPressureRe = regexp.MustCompile(`^\d{2,3}/\d{2,3}$`)

func (in *VitalsInput) validate() error {
	if in.Date != "" {
		d, err := scheduling.NormalizeDate(in.Date)
		if err != nil {
			return err
		}
		in.Date = d
	}
	if in.WeightKg != nil && *in.WeightKg <= 0 {
		return apperr.Validation("weight_kg", "must be positive")
	}
	if in.HeightCm != nil && *in.HeightCm <= 0 {
		return apperr.Validation("height_cm", "must be positive")
	}
	if in.BloodPressure != nil {
		bp := strings.ReplaceAll(*in.BloodPressure, " ", "")
		if !bloodPressureRe.MatchString(bp) {
			return apperr.Validation("blood_pressure", "expected SYS/DIA, got %q", *in.BloodPressure)
		}
		in.BloodPressure = &bp
	}
	if in.HeartRate != nil && *in.HeartRate <= 0 {
		return apperr.Validation("heart_rate", "must be positive")
	}
	if in.OxygenSaturation != nil && (*in.OxygenSaturation < 0 || *in.OxygenSaturation > 100) {
		return apperr.Validation("oxygen_saturation", "must be between 0 and 100")
	}
	return nil
}

// MedicationLine is one entry of a prescription, kept in insertion order.
type MedicationLine struct {
	Name      string `json:"name"`
	Dose      string `json:"dose"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// Prescription maps to the prescription table. AppointmentID is nil for
// prescriptions written outside an encounter.
type Prescription struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	PatientID     uuid.UUID        `db:"patient_id" json:"patient_id"`
	AppointmentID *uuid.UUID       `db:"appointment_id" json:"appointment_id,omitempty"`
	Medications   []MedicationLine `db:"medications" json:"medications"`
	Instructions  string           `db:"instructions" json:"instructions"`
	Date          string           `db:"prescription_date" json:"date"`
	CreatedBy     string           `db:"created_by" json:"created_by"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

type PrescriptionInput struct {
	PatientID    uuid.UUID        `json:"patient_id,omitempty"`
	Medications  []MedicationLine `json:"medications"`
	Instructions string           `json:"instructions"`
	Date         string           `json:"date,omitempty"`
}

// validate requires at least one medication or non-blank instructions.
func (in *PrescriptionInput) validate() error {
	if len(in.Medications) == 0 && strings.TrimSpace(in.Instructions) == "" {
		return apperr.Validation("medications", "a prescription needs at least one medication or instructions")
	}
	for i := range in.Medications {
		in.Medications[i].Name = strings.TrimSpace(in.Medications[i].Name)
		if in.Medications[i].Name == "" {
			return apperr.Validation("medications", "line %d has no medication name", i+1)
		}
	}
	if n := utf8.RuneCountInString(in.Instructions); n > MaxInstructionsLen {
		return apperr.Validation("instructions", "%d characters exceeds the limit of %d", n, MaxInstructionsLen)
	}
	return normalizeOptionalDate(&in.Date)
}

type ExamStatus string

const (
	ExamRequested    ExamStatus = "requested"
	ExamResultsReady ExamStatus = "results_ready"
)

func (s ExamStatus) Valid() bool { return s == ExamRequested || s == ExamResultsReady }

// ExamOrder maps to the exam_order table. Results are loaded from
// exam_result in upload order.
type ExamOrder struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	PatientID         uuid.UUID    `db:"patient_id" json:"patient_id"`
	AppointmentID     *uuid.UUID   `db:"appointment_id" json:"appointment_id,omitempty"`
	Type              string       `db:"type" json:"type"`
	Reason            string       `db:"reason" json:"reason"`
	OrderingPhysician *string      `db:"ordering_physician" json:"ordering_physician,omitempty"`
	Date              string       `db:"exam_date" json:"date"`
	Status            ExamStatus   `db:"status" json:"status"`
	Results           []ExamResult `db:"-" json:"results"`
	CreatedBy         string       `db:"created_by" json:"created_by"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// ExamResult is one uploaded result file. FileExists is computed when the
// order is read.
type ExamResult struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ExamOrderID  uuid.UUID `db:"exam_order_id" json:"exam_order_id"`
	FilePath     string    `db:"file_path" json:"file_path"`
	OriginalName string    `db:"original_name" json:"original_name"`
	Note         string    `db:"note" json:"note"`
	UploadedAt   time.Time `db:"uploaded_at" json:"uploaded_at"`
	FileExists   bool      `db:"-" json:"file_exists"`
}

type ExamOrderInput struct {
	PatientID         uuid.UUID `json:"patient_id,omitempty"`
	Type              string    `json:"type"`
	Reason            string    `json:"reason"`
	OrderingPhysician *string   `json:"ordering_physician,omitempty"`
	Date              string    `json:"date,omitempty"`
}

func (in *ExamOrderInput) validate() error {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return apperr.Validation("type", "is required")
	}
	if n := utf8.RuneCountInString(in.Reason); n > MaxReasonLen {
		return apperr.Validation("reason", "%d characters exceeds the limit of %d", n, MaxReasonLen)
	}
	return normalizeOptionalDate(&in.Date)
}

// ExamResultUpload is a result file on its way to the blob store.
type ExamResultUpload struct {
	FileName    string
	ContentType string
	Note        string
	Content     io.Reader
}

// ArtifactFilter narrows prescription and exam order lists.
type ArtifactFilter struct {
	PatientID     *uuid.UUID
	AppointmentID *uuid.UUID
}

// Summary is everything recorded against one appointment, in the shape
// handed to document rendering.
type Summary struct {
	Appointment   *scheduling.Appointment `json:"appointment"`
	Vitals        *Vitals                 `json:"vitals,omitempty"`
	Prescriptions []*Prescription         `json:"prescriptions"`
	ExamOrders    []*ExamOrder            `json:"exam_orders"`
}

func normalizeOptionalDate(d *string) error {
	if *d == "" {
		return nil
	}
	n, err := scheduling.NormalizeDate(*d)
	if err != nil {
		return err
	}
	*d = n
	return nil
}
