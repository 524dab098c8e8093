package rules

import (
	"context"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Repository is the rule store. The evaluator only calls GetActive;
// the rest serves administrative tooling and seeding.
type Repository interface {
	// GetActive returns the active rule for code, or nil when none.
	GetActive(ctx context.Context, sc scope.Scope, code string) (*Rule, error)

	// Upsert inserts or replaces the rule for its (scope, code) and
	// reports whether a new row was created.
	Upsert(ctx context.Context, r *Rule) (bool, error)

	// SetActive toggles is_active, returning the number of rows
	// touched (0 or 1).
	SetActive(ctx context.Context, sc scope.Scope, code string, active bool) (int, error)

	List(ctx context.Context, sc scope.Scope, activeOnly bool) ([]*Rule, error)
}
