package task

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
)

// Well-known task codes created by encounter workflows.
const (
	CodeRecordVitals      = "record-vitals"
	CodeDoctorConsult     = "doctor-consult"
	CodeCriticalResultAck = "critical-result-ack"
)

// DefaultTitles names tasks created by backfill when no title is supplied.
var DefaultTitles = map[string]string{
	CodeRecordVitals:      "Record Vitals",
	CodeDoctorConsult:     "Doctor Consultation",
	CodeCriticalResultAck: "Acknowledge Critical Result",
}

// Task is an operational work item tied to an encounter. The pair
// (encounter, code) is unique within a scope; duplicate creation requests
// converge on the existing row.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	FacilityID  uuid.UUID  `json:"facility_id"`
	EncounterID uuid.UUID  `json:"encounter_id"`
	Code        string     `json:"code"`
	Title       string     `json:"title"`
	Status      Status     `json:"status"`
	AssignedTo  *string    `json:"assigned_to"`
	DueAt       *time.Time `json:"due_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether a status permits no further workflow moves.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// IsOverdue reports whether an actionable task has passed its due time.
func (t *Task) IsOverdue(at time.Time) bool {
	if t.DueAt == nil {
		return false
	}
	if t.Status != StatusOpen && t.Status != StatusInProgress {
		return false
	}
	return t.DueAt.Before(at)
}
