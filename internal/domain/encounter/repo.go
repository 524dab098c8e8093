package encounter

import (
	"context"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Filter narrows encounter listings.
type Filter struct {
	PatientID *uuid.UUID
	Status    Status
}

type Repository interface {
	// Insert adds the row. A unique violation on the active-encounter
	// constraint surfaces as the raw pg error for the service to map.
	Insert(ctx context.Context, enc *Encounter) error

	Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error)

	// GetForUpdate locks the row for a state transition.
	GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error)

	Update(ctx context.Context, enc *Encounter) error

	// List returns encounters newest first plus the unpaged total.
	List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Encounter, int, error)
}
