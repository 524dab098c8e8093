package documents

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft   Status = "DRAFT"
	StatusFinal   Status = "FINAL"
	StatusAmended Status = "AMENDED"
)

// DefaultLatestStatuses are the statuses considered when computing the
// latest document per template. Drafts are excluded unless asked for.
var DefaultLatestStatuses = []Status{StatusFinal, StatusAmended}

// ClinicalDocument is one immutable row in an append-only version chain.
// A logical edit never updates a row; it inserts a new one with the next
// version and a supersedes link.
type ClinicalDocument struct {
	ID             uuid.UUID              `json:"id"`
	TenantID       uuid.UUID              `json:"tenant_id"`
	FacilityID     uuid.UUID              `json:"facility_id"`
	PatientID      uuid.UUID              `json:"patient_id"`
	EncounterID    uuid.UUID              `json:"encounter_id"`
	TemplateCode   string                 `json:"template_code"`
	Version        int                    `json:"version"`
	Status         Status                 `json:"status"`
	SupersedesID   *uuid.UUID             `json:"supersedes_document_id"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey *string                `json:"idempotency_key,omitempty"`
	CreatedBy      string                 `json:"created_by"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Kind classifies the simple per-encounter documents that power the
// vitals/assessment/plan endpoints and the close gate's docs check.
type Kind string

const (
	KindVitals     Kind = "VITALS"
	KindAssessment Kind = "ASSESSMENT"
	KindPlan       Kind = "PLAN"
	KindNote       Kind = "NOTE"
)

// EncounterDocument is a mutable singleton per (encounter, kind). Saving
// the same kind again replaces the content.
type EncounterDocument struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	FacilityID  uuid.UUID              `json:"facility_id"`
	EncounterID uuid.UUID              `json:"encounter_id"`
	Kind        Kind                   `json:"kind"`
	Content     map[string]interface{} `json:"content"`
	AuthoredBy  *string                `json:"authored_by"`
	AuthoredAt  time.Time              `json:"authored_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NormalizeKey trims an idempotency key and maps empty to "no key".
func NormalizeKey(key *string) *string {
	if key == nil {
		return nil
	}
	v := strings.TrimSpace(*key)
	if v == "" {
		return nil
	}
	return &v
}
