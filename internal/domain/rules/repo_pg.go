package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ruleCols = `id, tenant_id, facility_id, code, description, is_active, config, created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var rl Rule
	var config []byte
	err := row.Scan(&rl.ID, &rl.TenantID, &rl.FacilityID, &rl.Code, &rl.Description,
		&rl.IsActive, &config, &rl.CreatedAt, &rl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &rl.Config); err != nil {
			return nil, fmt.Errorf("unmarshal rule config: %w", err)
		}
	}
	if rl.Config == nil {
		rl.Config = map[string]interface{}{}
	}
	return &rl, nil
}

func (r *repoPG) GetActive(ctx context.Context, sc scope.Scope, code string) (*Rule, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+ruleCols+` FROM rule
		WHERE tenant_id = $1 AND facility_id = $2 AND code = $3 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1`,
		sc.TenantID, sc.FacilityID, code,
	)
	rl, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active rule: %w", err)
	}
	return rl, nil
}

func (r *repoPG) Upsert(ctx context.Context, rl *Rule) (bool, error) {
	if rl.ID == uuid.Nil {
		rl.ID = uuid.New()
	}
	config, err := json.Marshal(rl.Config)
	if err != nil {
		return false, fmt.Errorf("marshal rule config: %w", err)
	}
	// xmax = 0 distinguishes a fresh insert from a conflict-update.
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rule (id, tenant_id, facility_id, code, description, is_active, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, facility_id, code) DO UPDATE
		SET description = EXCLUDED.description,
		    is_active   = EXCLUDED.is_active,
		    config      = EXCLUDED.config,
		    updated_at  = now()
		RETURNING id, created_at, updated_at, (xmax = 0)`,
		rl.ID, rl.TenantID, rl.FacilityID, rl.Code, rl.Description, rl.IsActive, config,
	)
	var created bool
	if err := row.Scan(&rl.ID, &rl.CreatedAt, &rl.UpdatedAt, &created); err != nil {
		return false, fmt.Errorf("upsert rule: %w", err)
	}
	return created, nil
}

func (r *repoPG) SetActive(ctx context.Context, sc scope.Scope, code string, active bool) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE rule SET is_active = $4, updated_at = now()
		WHERE tenant_id = $1 AND facility_id = $2 AND code = $3`,
		sc.TenantID, sc.FacilityID, code, active,
	)
	if err != nil {
		return 0, fmt.Errorf("set rule active: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) List(ctx context.Context, sc scope.Scope, activeOnly bool) ([]*Rule, error) {
	q := `SELECT ` + ruleCols + ` FROM rule WHERE tenant_id = $1 AND facility_id = $2`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY code`

	rows, err := r.conn(ctx).Query(ctx, q, sc.TenantID, sc.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rl)
	}
	return out, rows.Err()
}
