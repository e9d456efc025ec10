package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/outpatient/internal/domain/identity"
	"github.com/ehr/outpatient/internal/platform/apperr"
)

// Civil date and minute-precision time layouts used on the wire and in
// history entries.
const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04"
	DateTimeLayout = DateLayout + " " + TimeLayout
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusConfirmed: true,
	StatusCancelled: true, StatusCompleted: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Active reports whether the appointment still occupies the calendar.
func (s Status) Active() bool { return s == StatusScheduled || s == StatusConfirmed }

type AppointmentType string

const (
	TypeInitialConsult AppointmentType = "initial_consult"
	TypeFollowUp       AppointmentType = "follow_up"
	TypeExamReview     AppointmentType = "exam_review"
	TypeProcedure      AppointmentType = "procedure"
)

var validTypes = map[AppointmentType]bool{
	TypeInitialConsult: true, TypeFollowUp: true,
	TypeExamReview: true, TypeProcedure: true,
}

func (t AppointmentType) Valid() bool { return validTypes[t] }

// Appointment maps to the appointment table. It is the aggregate root for
// one scheduled visit.
type Appointment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	Date           string          `db:"appt_date" json:"date"`
	Time           string          `db:"appt_time" json:"time"`
	Type           AppointmentType `db:"type" json:"type"`
	Status         Status          `db:"status" json:"status"`
	Notes          string          `db:"notes" json:"notes"`
	ReferralSource *string         `db:"referral_source" json:"referral_source,omitempty"`
	Diagnosis      string          `db:"diagnosis" json:"diagnosis"`
	History        History         `db:"history" json:"history"`
	// TriageID is a lookup key only; the vitals record it names may have
	// been deleted administratively.
	TriageID  *uuid.UUID `db:"triage_id" json:"triage_id,omitempty"`
	CreatedBy string     `db:"created_by" json:"created_by"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Slot returns the "YYYY-MM-DD HH:MM" form used in history entries.
func (a *Appointment) Slot() string {
	return a.Date + " " + a.Time
}

// StartsAt resolves the civil date and time in loc.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateTimeLayout, a.Slot(), loc)
}

func (a *Appointment) clone() *Appointment {
	c := *a
	c.History = append(History(nil), a.History...)
	if a.ReferralSource != nil {
		v := *a.ReferralSource
		c.ReferralSource = &v
	}
	if a.TriageID != nil {
		v := *a.TriageID
		c.TriageID = &v
	}
	return &c
}

// CreateAppointmentInput is the booking request. ForceCreate lists the
// warnings the operator has already acknowledged.
type CreateAppointmentInput struct {
	PatientID      uuid.UUID       `json:"patient_id"`
	Date           string          `json:"date"`
	Time           string          `json:"time"`
	Type           AppointmentType `json:"type"`
	Notes          string          `json:"notes"`
	ReferralSource *string         `json:"referral_source,omitempty"`
	ForceCreate    []WarningKind   `json:"force_create,omitempty"`
}

func (in CreateAppointmentInput) acknowledged(kind WarningKind) bool {
	for _, k := range in.ForceCreate {
		if k == kind {
			return true
		}
	}
	return false
}

// DetailsInput carries the editable non-schedule fields.
type DetailsInput struct {
	Type           AppointmentType `json:"type"`
	Notes          string          `json:"notes"`
	ReferralSource *string         `json:"referral_source,omitempty"`
}

// AppointmentFilter narrows list queries. Dates are inclusive civil dates.
type AppointmentFilter struct {
	PatientID *uuid.UUID
	Status    Status
	From      string
	To        string
}

type WarningKind string

const (
	WarningPastDate         WarningKind = "past_date"
	WarningDuplicateBooking WarningKind = "duplicate_booking"
)

// Warning is a soft conflict. Nothing is persisted while a warning is
// outstanding; the operator retries with the kind listed in ForceCreate.
type Warning struct {
	Kind      WarningKind    `json:"kind"`
	Message   string         `json:"message"`
	Conflicts []*Appointment `json:"conflicts,omitempty"`
}

// BookingResult holds either the created appointment or the warning that
// blocked creation.
type BookingResult struct {
	Appointment *Appointment         `json:"appointment,omitempty"`
	Patient     *identity.PatientRef `json:"patient,omitempty"`
	Warning     *Warning             `json:"warning,omitempty"`
}

// NormalizeDate validates a civil date and returns it in DateLayout.
func NormalizeDate(s string) (string, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", apperr.Validation("date", "expected YYYY-MM-DD, got %q", s)
	}
	return d.Format(DateLayout), nil
}

// NormalizeTime validates a civil time and truncates it to minute precision.
// Seconds, when present, are dropped.
func NormalizeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimeLayout, "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), nil
		}
	}
	return "", apperr.Validation("time", "expected HH:MM, got %q", s)
}

func normalizeSlot(date, tm string) (string, string, error) {
	d, err := NormalizeDate(date)
	if err != nil {
		return "", "", err
	}
	t, err := NormalizeTime(tm)
	if err != nil {
		return "", "", err
	}
	return d, t, nil
}

func validateType(t AppointmentType) error {
	if !t.Valid() {
		return apperr.Validation("type", "unknown appointment type %q", t)
	}
	return nil
}

func pastDateMessage(slot string) string {
	return fmt.Sprintf("appointment time %s is in the past", slot)
}
