package encounter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

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

const encCols = `id, tenant_id, facility_id, patient_id, status, reason, attending_doctor,
	scheduled_at, checked_in_at, consult_started_at, closed_at, created_by, created_at, updated_at`

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.TenantID, &e.FacilityID, &e.PatientID, &e.Status,
		&e.Reason, &e.AttendingDoctor, &e.ScheduledAt, &e.CheckedInAt,
		&e.ConsultStartedAt, &e.ClosedAt, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *repoPG) Insert(ctx context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (
			id, tenant_id, facility_id, patient_id, status, reason,
			attending_doctor, scheduled_at, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		enc.ID, enc.TenantID, enc.FacilityID, enc.PatientID, enc.Status,
		enc.Reason, enc.AttendingDoctor, enc.ScheduledAt, enc.CreatedBy,
	)
	return row.Scan(&enc.CreatedAt, &enc.UpdatedAt)
}

func (r *repoPG) get(ctx context.Context, sc scope.Scope, id uuid.UUID, forUpdate bool) (*Encounter, error) {
	q := `SELECT ` + encCols + ` FROM encounter
		WHERE id = $1 AND tenant_id = $2 AND facility_id = $3`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	enc, err := scanEncounter(r.conn(ctx).QueryRow(ctx, q, id, sc.TenantID, sc.FacilityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	return enc, nil
}

func (r *repoPG) Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, sc, id, false)
}

func (r *repoPG) GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, sc, id, true)
}

func (r *repoPG) Update(ctx context.Context, enc *Encounter) error {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter
		SET status = $4, reason = $5, attending_doctor = $6, scheduled_at = $7,
		    checked_in_at = $8, consult_started_at = $9, closed_at = $10,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND facility_id = $3
		RETURNING updated_at`,
		enc.ID, enc.TenantID, enc.FacilityID, enc.Status, enc.Reason,
		enc.AttendingDoctor, enc.ScheduledAt, enc.CheckedInAt,
		enc.ConsultStartedAt, enc.ClosedAt,
	)
	if err := row.Scan(&enc.UpdatedAt); err != nil {
		return fmt.Errorf("update encounter: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Encounter, int, error) {
	where := []string{"tenant_id = $1", "facility_id = $2"}
	args := []interface{}{sc.TenantID, sc.FacilityID}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if f.PatientID != nil {
		add("patient_id = ?", *f.PatientID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM encounter WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count encounters: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM encounter WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		encCols, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list encounters: %w", err)
	}
	defer rows.Close()

	var out []*Encounter
	for rows.Next() {
		enc, err := scanEncounter(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan encounter: %w", err)
		}
		out = append(out, enc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
