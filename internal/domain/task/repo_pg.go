package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

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

const taskCols = `id, tenant_id, facility_id, encounter_id, code, title, status,
	assigned_to, due_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.TenantID, &t.FacilityID, &t.EncounterID,
		&t.Code, &t.Title, &t.Status,
		&t.AssignedTo, &t.DueAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

// Insert uses ON CONFLICT DO NOTHING so a losing concurrent writer gets a
// clean "not inserted" instead of a statement error. A plain INSERT would
// abort the surrounding transaction on the unique violation and every
// follow-up query in it would fail with SQLSTATE 25P02.
func (r *repoPG) Insert(ctx context.Context, t *Task) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO task (
			id, tenant_id, facility_id, encounter_id, code, title, status,
			assigned_to, due_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tenant_id, facility_id, encounter_id, code) DO NOTHING
		RETURNING created_at, updated_at`,
		t.ID, t.TenantID, t.FacilityID, t.EncounterID, t.Code, t.Title, t.Status,
		t.AssignedTo, t.DueAt, t.CompletedAt,
	)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert task: %w", err)
	}
	return true, nil
}

func (r *repoPG) Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Task, error) {
	return r.get(ctx, sc, id, false)
}

func (r *repoPG) GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Task, error) {
	return r.get(ctx, sc, id, true)
}

func (r *repoPG) get(ctx context.Context, sc scope.Scope, id uuid.UUID, lock bool) (*Task, error) {
	q := `SELECT ` + taskCols + ` FROM task
		WHERE tenant_id = $1 AND facility_id = $2 AND id = $3`
	if lock {
		q += " FOR UPDATE"
	}
	t, err := scanTask(r.conn(ctx).QueryRow(ctx, q, sc.TenantID, sc.FacilityID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *repoPG) GetByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, code string) (*Task, error) {
	t, err := scanTask(r.conn(ctx).QueryRow(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3 AND code = $4`,
		sc.TenantID, sc.FacilityID, encounterID, code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task by code: %w", err)
	}
	return t, nil
}

func (r *repoPG) Update(ctx context.Context, t *Task) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task
		SET title = $1, status = $2, assigned_to = $3, due_at = $4,
			completed_at = $5, updated_at = now()
		WHERE tenant_id = $6 AND facility_id = $7 AND id = $8`,
		t.Title, t.Status, t.AssignedTo, t.DueAt, t.CompletedAt,
		t.TenantID, t.FacilityID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

func (r *repoPG) ListByEncounterForUpdate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) ([]*Task, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		ORDER BY created_at ASC
		FOR UPDATE`,
		sc.TenantID, sc.FacilityID, encounterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for update: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *repoPG) StatusesByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, codes []string) ([]CodeStatus, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT code, status FROM task
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3 AND code = ANY($4)`,
		sc.TenantID, sc.FacilityID, encounterID, codes,
	)
	if err != nil {
		return nil, fmt.Errorf("task statuses by code: %w", err)
	}
	defer rows.Close()

	var out []CodeStatus
	for rows.Next() {
		var cs CodeStatus
		if err := rows.Scan(&cs.Code, &cs.Status); err != nil {
			return nil, fmt.Errorf("scan task status: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (r *repoPG) List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Task, int, error) {
	where := []string{"tenant_id = $1", "facility_id = $2"}
	args := []interface{}{sc.TenantID, sc.FacilityID}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if f.EncounterID != nil {
		add("encounter_id = ?", *f.EncounterID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.AssignedTo != nil {
		add("assigned_to = ?", *f.AssignedTo)
	}
	if f.DueAfter != nil {
		add("due_at >= ?", *f.DueAfter)
	}
	if f.DueBefore != nil {
		add("due_at <= ?", *f.DueBefore)
	}
	if f.OverdueOnly {
		add("due_at < ? AND status IN ('OPEN','IN_PROGRESS')", time.Now().UTC())
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM task WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	order := "created_at DESC"
	if f.OrderByDue {
		order = "due_at ASC NULLS LAST, created_at DESC"
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM task WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		taskCols, cond, order, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
