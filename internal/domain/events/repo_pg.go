package events

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

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eventCols = `id, tenant_id, facility_id, encounter_id, event_key, code, title, timestamp, meta, created_at`

func (r *repoPG) Insert(ctx context.Context, ev *EncounterEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return false, fmt.Errorf("marshal event meta: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter_event (
			id, tenant_id, facility_id, encounter_id, event_key, code, title, timestamp, meta
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, facility_id, encounter_id, event_key) DO NOTHING`,
		ev.ID, ev.TenantID, ev.FacilityID, ev.EncounterID,
		ev.EventKey, ev.Code, ev.Title, ev.Timestamp, meta,
	)
	if err != nil {
		return false, fmt.Errorf("insert encounter event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) GetByKey(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, eventKey string) (*EncounterEvent, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+eventCols+`
		FROM encounter_event
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3 AND event_key = $4`,
		sc.TenantID, sc.FacilityID, encounterID, eventKey,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get encounter event: %w", err)
	}
	return ev, nil
}

func (r *repoPG) ListByEncounter(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) ([]*EncounterEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+`
		FROM encounter_event
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		ORDER BY timestamp ASC, created_at ASC`,
		sc.TenantID, sc.FacilityID, encounterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list encounter events: %w", err)
	}
	defer rows.Close()

	var out []*EncounterEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan encounter event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*EncounterEvent, error) {
	var ev EncounterEvent
	var meta []byte
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.FacilityID, &ev.EncounterID,
		&ev.EventKey, &ev.Code, &ev.Title, &ev.Timestamp, &meta, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal event meta: %w", err)
		}
	}
	if ev.Meta == nil {
		ev.Meta = map[string]interface{}{}
	}
	return &ev, nil
}
