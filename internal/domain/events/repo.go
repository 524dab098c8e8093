package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Repository is deliberately append-only: there is no update or delete.
type Repository interface {
	// Insert writes the event unless one with the same key already exists.
	// It reports whether a row was actually inserted.
	Insert(ctx context.Context, ev *EncounterEvent) (bool, error)

	// GetByKey fetches the event with the given key within the scope.
	GetByKey(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, eventKey string) (*EncounterEvent, error)

	// ListByEncounter returns all events for the encounter ordered by
	// (timestamp, created_at) ascending.
	ListByEncounter(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) ([]*EncounterEvent, error)
}
