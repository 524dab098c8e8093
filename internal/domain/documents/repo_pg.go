package documents

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

const docCols = `id, tenant_id, facility_id, patient_id, encounter_id, template_code,
	version, status, supersedes_document_id, payload, idempotency_key, created_by, created_at`

func scanDoc(row pgx.Row) (*ClinicalDocument, error) {
	var d ClinicalDocument
	var payload []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.FacilityID, &d.PatientID, &d.EncounterID,
		&d.TemplateCode, &d.Version, &d.Status, &d.SupersedesID,
		&payload, &d.IdempotencyKey, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &d.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal document payload: %w", err)
		}
	}
	if d.Payload == nil {
		d.Payload = map[string]interface{}{}
	}
	return &d, nil
}

// Insert uses ON CONFLICT DO NOTHING so a retry that loses the race on one
// of the idempotency indexes gets a clean "not inserted" instead of a
// statement error that would abort the surrounding transaction. No conflict
// target is named because any of the three partial unique indexes can be
// the one that fires.
func (r *repoPG) Insert(ctx context.Context, d *ClinicalDocument) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal document payload: %w", err)
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_document (
			id, tenant_id, facility_id, patient_id, encounter_id, template_code,
			version, status, supersedes_document_id, payload, idempotency_key, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING
		RETURNING created_at`,
		d.ID, d.TenantID, d.FacilityID, d.PatientID, d.EncounterID, d.TemplateCode,
		d.Version, d.Status, d.SupersedesID, payload, d.IdempotencyKey, d.CreatedBy,
	)
	if err := row.Scan(&d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert clinical document: %w", err)
	}
	return true, nil
}

func (r *repoPG) Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error) {
	return r.get(ctx, sc, id, false)
}

func (r *repoPG) GetForUpdate(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error) {
	return r.get(ctx, sc, id, true)
}

func (r *repoPG) get(ctx context.Context, sc scope.Scope, id uuid.UUID, lock bool) (*ClinicalDocument, error) {
	q := fmt.Sprintf(`SELECT %s FROM clinical_document
		WHERE id = $1 AND tenant_id = $2 AND facility_id = $3`, docCols)
	if lock {
		q += " FOR UPDATE"
	}
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx, q, id, sc.TenantID, sc.FacilityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) FindDraft(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string, key *string) (*ClinicalDocument, error) {
	if key == nil {
		return nil, nil
	}
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM clinical_document
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		  AND template_code = $4 AND status = $5 AND idempotency_key = $6
		ORDER BY created_at ASC
		LIMIT 1`, docCols),
		sc.TenantID, sc.FacilityID, encounterID, templateCode, StatusDraft, *key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) FindSuperseding(ctx context.Context, sc scope.Scope, supersedesID uuid.UUID, status Status, key *string) (*ClinicalDocument, error) {
	if key == nil {
		return nil, nil
	}
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM clinical_document
		WHERE tenant_id = $1 AND facility_id = $2
		  AND supersedes_document_id = $3 AND status = $4 AND idempotency_key = $5
		ORDER BY created_at ASC
		LIMIT 1`, docCols),
		sc.TenantID, sc.FacilityID, supersedesID, status, *key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) MaxVersion(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string) (int, error) {
	var max int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM clinical_document
		WHERE tenant_id = $1 AND facility_id = $2
		  AND encounter_id = $3 AND template_code = $4`,
		sc.TenantID, sc.FacilityID, encounterID, templateCode,
	).Scan(&max)
	return max, err
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *repoPG) LatestPerTemplate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, statuses []Status) ([]*ClinicalDocument, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT ON (template_code) %s FROM clinical_document
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		  AND status = ANY($4)
		ORDER BY template_code, version DESC, created_at DESC`, docCols),
		sc.TenantID, sc.FacilityID, encounterID, statusStrings(statuses),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClinicalDocument
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) LatestForTemplate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, templateCode string, statuses []Status) (*ClinicalDocument, error) {
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM clinical_document
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		  AND template_code = $4 AND status = ANY($5)
		ORDER BY version DESC, created_at DESC
		LIMIT 1`, docCols),
		sc.TenantID, sc.FacilityID, encounterID, templateCode, statusStrings(statuses),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

const encDocCols = `id, tenant_id, facility_id, encounter_id, kind, content,
	authored_by, authored_at, updated_at`

func scanEncDoc(row pgx.Row) (*EncounterDocument, error) {
	var d EncounterDocument
	var content []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.FacilityID, &d.EncounterID, &d.Kind,
		&content, &d.AuthoredBy, &d.AuthoredAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &d.Content); err != nil {
			return nil, fmt.Errorf("unmarshal document content: %w", err)
		}
	}
	if d.Content == nil {
		d.Content = map[string]interface{}{}
	}
	return &d, nil
}

func (r *repoPG) UpsertEncounterDocument(ctx context.Context, d *EncounterDocument) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	content, err := json.Marshal(d.Content)
	if err != nil {
		return false, fmt.Errorf("marshal document content: %w", err)
	}
	// xmax = 0 distinguishes a fresh insert from a conflict-update.
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter_document (
			id, tenant_id, facility_id, encounter_id, kind, content, authored_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, facility_id, encounter_id, kind) DO UPDATE
		SET content = EXCLUDED.content,
		    authored_by = EXCLUDED.authored_by,
		    updated_at = now()
		RETURNING id, authored_at, updated_at, (xmax = 0)`,
		d.ID, d.TenantID, d.FacilityID, d.EncounterID, d.Kind, content, d.AuthoredBy,
	)
	var created bool
	if err := row.Scan(&d.ID, &d.AuthoredAt, &d.UpdatedAt, &created); err != nil {
		return false, err
	}
	return created, nil
}

func (r *repoPG) GetEncounterDocument(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kind Kind) (*EncounterDocument, error) {
	d, err := scanEncDoc(r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM encounter_document
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3 AND kind = $4`, encDocCols),
		sc.TenantID, sc.FacilityID, encounterID, kind,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) ExistingKinds(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kinds []Kind) ([]Kind, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT kind FROM encounter_document
		WHERE tenant_id = $1 AND facility_id = $2 AND encounter_id = $3
		  AND kind = ANY($4)`,
		sc.TenantID, sc.FacilityID, encounterID, names,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, Kind(k))
	}
	return out, rows.Err()
}
