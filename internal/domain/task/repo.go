package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// CodeStatus pairs a task code with its current workflow status, for
// close-gate evaluation.
type CodeStatus struct {
	Code   string
	Status Status
}

// Filter narrows task listings. Zero values mean "no constraint".
type Filter struct {
	EncounterID *uuid.UUID
	Status      Status
	AssignedTo  *string
	DueAfter    *time.Time
	DueBefore   *time.Time
	OverdueOnly bool
	OrderByDue  bool
}

type Repository interface {
	// Insert writes a new task and reports whether a row was written.
	// A duplicate (encounter, code) within the scope reports false with
	// no error, leaving the enclosing transaction usable.
	Insert(ctx context.Context, t *Task) (bool, error)

	Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Task, error)

	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Task, error)

	GetByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, code string) (*Task, error)

	Update(ctx context.Context, t *Task) error

	// ListByEncounterForUpdate locks the encounter's tasks for bulk closes.
	ListByEncounterForUpdate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) ([]*Task, error)

	// StatusesByCode reports the status of each existing task among codes.
	// Codes with no task are absent from the result.
	StatusesByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, codes []string) ([]CodeStatus, error)

	List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Task, int, error)
}
