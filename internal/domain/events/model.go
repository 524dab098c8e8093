package events

import (
	"time"

	"github.com/google/uuid"
)

// Event codes recorded on the encounter timeline.
const (
	CodeEncounterCreated   = "ENCOUNTER_CREATED"
	CodeEncounterCheckedIn = "ENCOUNTER_CHECKED_IN"
	CodeConsultStarted     = "CONSULT_STARTED"
	CodeEncounterClosed    = "ENCOUNTER_CLOSED"
	CodeEncounterCancelled = "ENCOUNTER_CANCELLED"
	CodeTaskCreated        = "TASK_CREATED"
	CodeTaskAssigned       = "TASK_ASSIGNED"
	CodeTaskUnassigned     = "TASK_UNASSIGNED"
	CodeTaskStarted        = "TASK_STARTED"
	CodeTaskDone           = "TASK_DONE"
	CodeTaskReopened       = "TASK_REOPENED"
	CodeTaskCancelled      = "TASK_CANCELLED"
	CodeDocAuthored        = "DOC_AUTHORED"
	CodeDocDrafted         = "DOC_DRAFTED"
	CodeDocFinalized       = "DOC_FINALIZED"
	CodeDocAmended         = "DOC_AMENDED"
)

// EncounterEvent is one immutable timeline entry. Rows are append-only;
// uniqueness of (tenant, facility, encounter, event_key) makes emission
// idempotent.
type EncounterEvent struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	FacilityID  uuid.UUID              `json:"facility_id"`
	EncounterID uuid.UUID              `json:"encounter_id"`
	EventKey    string                 `json:"event_key"`
	Code        string                 `json:"code"`
	Title       string                 `json:"title"`
	Timestamp   time.Time              `json:"timestamp"`
	Meta        map[string]interface{} `json:"meta"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TimelineItem is the read-model shape of a timeline entry.
type TimelineItem struct {
	Type  string                 `json:"type"`
	ID    uuid.UUID              `json:"id"`
	Code  string                 `json:"code"`
	Title string                 `json:"title"`
	At    time.Time              `json:"at"`
	Meta  map[string]interface{} `json:"meta"`
}

// TimelineItemFrom converts an event row into its timeline representation.
func TimelineItemFrom(ev *EncounterEvent) TimelineItem {
	meta := ev.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return TimelineItem{
		Type:  "EVENT",
		ID:    ev.ID,
		Code:  ev.Code,
		Title: ev.Title,
		At:    ev.Timestamp,
		Meta:  meta,
	}
}
