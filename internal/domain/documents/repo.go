package documents

import (
	"context"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Repository persists clinical document chains and the phase-0 encounter
// documents. Clinical document rows are append-only: there is no update
// or delete.
type Repository interface {
	// Insert writes a new version row and reports whether it was written.
	// A duplicate idempotency key within its partial-unique scope reports
	// false with no error, leaving the enclosing transaction usable.
	Insert(ctx context.Context, d *ClinicalDocument) (bool, error)

	Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error)

	// GetForUpdate locks the row for the rest of the transaction. Used as
	// the anchor for finalize/amend so concurrent transitions serialize.
	GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error)

	// FindDraft looks up a DRAFT by (encounter, template, key). A nil key
	// never matches.
	FindDraft(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string, key *string) (*ClinicalDocument, error)

	// FindSuperseding looks up a row of the given status that supersedes
	// the base document with the same key. A nil key never matches.
	FindSuperseding(ctx context.Context, sc scope.Scope, supersedesID uuid.UUID, status Status, key *string) (*ClinicalDocument, error)

	// MaxVersion reports the highest version in an (encounter, template)
	// chain, zero when the chain is empty.
	MaxVersion(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string) (int, error)

	// LatestPerTemplate returns the winning row per template_code, highest
	// version first with created_at as tie-breaker.
	LatestPerTemplate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, statuses []Status) ([]*ClinicalDocument, error)

	// LatestForTemplate returns the winning row for one template chain.
	LatestForTemplate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string, statuses []Status) (*ClinicalDocument, error)

	// UpsertEncounterDocument inserts or replaces the singleton document
	// for (encounter, kind) and reports whether a row was created.
	UpsertEncounterDocument(ctx context.Context, d *EncounterDocument) (bool, error)

	GetEncounterDocument(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kind Kind) (*EncounterDocument, error)

	// ExistingKinds reports which of the given kinds have a document on
	// the encounter.
	ExistingKinds(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kinds []Kind) ([]Kind, error)
}
