package rules

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Service is the rules write model, used by admin tooling and tenant
// seeding. The evaluator never writes rules.
type Service struct {
	repo   Repository
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewService(repo Repository, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{repo: repo, pool: pool, logger: logger.With().Str("component", "rules").Logger()}
}

type UpsertParams struct {
	Code        string
	Description string
	IsActive    bool
	Config      map[string]interface{}
}

func (s *Service) UpsertRule(ctx context.Context, sc scope.Scope, p UpsertParams) (*Rule, bool, error) {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return nil, false, apperr.Validation("rule code is required")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	rl := &Rule{
		TenantID:    sc.TenantID,
		FacilityID:  sc.FacilityID,
		Code:        code,
		Description: p.Description,
		IsActive:    p.IsActive,
		Config:      cfg,
	}
	var created bool
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		created, err = s.repo.Upsert(ctx, rl)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info().
		Str("code", rl.Code).
		Bool("created", created).
		Stringer("tenant_id", rl.TenantID).
		Msg("rule upserted")
	return rl, created, nil
}

func (s *Service) SetRuleActive(ctx context.Context, sc scope.Scope, code string, active bool) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, apperr.Validation("rule code is required")
	}
	var n int
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		n, err = s.repo.SetActive(ctx, sc, code, active)
		return err
	})
	return n, err
}

func (s *Service) ListRules(ctx context.Context, sc scope.Scope, activeOnly bool) ([]*Rule, error) {
	return s.repo.List(ctx, sc, activeOnly)
}

// EnsureCloseGateRule seeds the canonical close-gate rule for a scope.
// A nil cfg seeds the defaults.
func (s *Service) EnsureCloseGateRule(ctx context.Context, sc scope.Scope, cfg *CloseGateConfig) (*Rule, bool, error) {
	c := DefaultCloseGateConfig()
	if cfg != nil {
		c = *cfg
	}
	return s.UpsertRule(ctx, sc, UpsertParams{
		Code:        CloseGateRuleCode,
		Description: "Encounter close completeness gate",
		IsActive:    true,
		Config:      c.ConfigMap(),
	})
}
