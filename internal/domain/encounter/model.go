package encounter

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusCheckedIn Status = "CHECKED_IN"
	StatusInConsult Status = "IN_CONSULT"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses are the states covered by the one-active-encounter-
// per-patient constraint.
var ActiveStatuses = []Status{StatusCreated, StatusCheckedIn, StatusInConsult}

// IsActive reports whether the encounter still occupies the patient's
// active slot in its facility.
func (s Status) IsActive() bool {
	return s == StatusCreated || s == StatusCheckedIn || s == StatusInConsult
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Encounter is the OPD visit container. Everything clinical for a visit
// hangs off it: tasks, documents and the event timeline.
type Encounter struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	FacilityID       uuid.UUID  `json:"facility_id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	Status           Status     `json:"status"`
	Reason           string     `json:"reason"`
	AttendingDoctor  *string    `json:"attending_doctor,omitempty"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	CheckedInAt      *time.Time `json:"checked_in_at,omitempty"`
	ConsultStartedAt *time.Time `json:"consult_started_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
