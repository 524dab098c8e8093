package documents

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/events"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Service drives the clinical document lifecycle. Version chains are
// append-only: CreateDraft starts a chain, Finalize and Amend extend it
// with a superseding row.
type Service struct {
	repo   Repository
	events *events.Emitter
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewService(repo Repository, em *events.Emitter, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{repo: repo, events: em, pool: pool, logger: logger}
}

type DraftParams struct {
	PatientID      uuid.UUID
	EncounterID    uuid.UUID
	TemplateCode   string
	Payload        map[string]interface{}
	CreatedBy      string
	IdempotencyKey *string
}

func (s *Service) emitDocEvent(ctx context.Context, sc scope.Scope, d *ClinicalDocument, code, title string) error {
	_, err := s.events.Emit(ctx, sc, d.EncounterID, events.EmitParams{
		Key:       code + ":" + d.ID.String(),
		Code:      code,
		Title:     title,
		Timestamp: d.CreatedAt,
		Meta: map[string]interface{}{
			"document_id":   d.ID.String(),
			"template_code": d.TemplateCode,
			"version":       d.Version,
			"status":        string(d.Status),
		},
	})
	return err
}

// CreateDraft starts a new version chain, or returns the existing draft
// when the idempotency key has been seen before.
func (s *Service) CreateDraft(ctx context.Context, sc scope.Scope, p DraftParams) (*ClinicalDocument, bool, error) {
	if p.TemplateCode == "" {
		return nil, false, apperr.Validation("template_code is required")
	}
	key := NormalizeKey(p.IdempotencyKey)

	var (
		out     *ClinicalDocument
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		existing, err := s.repo.FindDraft(ctx, sc, p.EncounterID, p.TemplateCode, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		version, err := s.repo.MaxVersion(ctx, sc, p.EncounterID, p.TemplateCode)
		if err != nil {
			return err
		}

		payload := p.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		d := &ClinicalDocument{
			TenantID:       sc.TenantID,
			FacilityID:     sc.FacilityID,
			PatientID:      p.PatientID,
			EncounterID:    p.EncounterID,
			TemplateCode:   p.TemplateCode,
			Version:        version + 1,
			Status:         StatusDraft,
			Payload:        payload,
			IdempotencyKey: key,
			CreatedBy:      p.CreatedBy,
		}
		inserted, err := s.repo.Insert(ctx, d)
		if err != nil {
			return err
		}
		if inserted {
			if err := s.emitDocEvent(ctx, sc, d, events.CodeDocDrafted, "Document drafted"); err != nil {
				return err
			}
			out, created = d, true
			return nil
		}
		// A concurrent retry with the same key won; return its row.
		existing, err = s.repo.FindDraft(ctx, sc, p.EncounterID, p.TemplateCode, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperr.Internal("draft missing after conflicting insert", nil)
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Finalize appends a FINAL row superseding the draft. The draft row is
// locked so concurrent finalizations serialize on it.
func (s *Service) Finalize(ctx context.Context, sc scope.Scope, documentID uuid.UUID, createdBy string, idempotencyKey *string) (*ClinicalDocument, bool, error) {
	key := NormalizeKey(idempotencyKey)

	var (
		out     *ClinicalDocument
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		base, err := s.lockDocument(ctx, sc, documentID)
		if err != nil {
			return err
		}
		if base.Status != StatusDraft {
			return apperr.Conflict(fmt.Sprintf("only a DRAFT document can be finalized (current=%s)", base.Status))
		}

		d, wasCreated, err := s.supersede(ctx, sc, base, StatusFinal, base.Payload, createdBy, key)
		if err != nil {
			return err
		}
		if wasCreated {
			if err := s.emitDocEvent(ctx, sc, d, events.CodeDocFinalized, "Document finalized"); err != nil {
				return err
			}
		}
		out, created = d, wasCreated
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Amend appends an AMENDED row superseding a FINAL one. The patch is
// shallow-merged over the base payload: patch keys overwrite, the rest
// carry over.
func (s *Service) Amend(ctx context.Context, sc scope.Scope, documentID uuid.UUID, patch map[string]interface{}, createdBy string, idempotencyKey *string) (*ClinicalDocument, bool, error) {
	key := NormalizeKey(idempotencyKey)

	var (
		out     *ClinicalDocument
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		base, err := s.lockDocument(ctx, sc, documentID)
		if err != nil {
			return err
		}
		if base.Status != StatusFinal {
			return apperr.Conflict(fmt.Sprintf("only a FINAL document can be amended (current=%s)", base.Status))
		}

		payload := make(map[string]interface{}, len(base.Payload)+len(patch))
		for k, v := range base.Payload {
			payload[k] = v
		}
		for k, v := range patch {
			payload[k] = v
		}

		d, wasCreated, err := s.supersede(ctx, sc, base, StatusAmended, payload, createdBy, key)
		if err != nil {
			return err
		}
		if wasCreated {
			if err := s.emitDocEvent(ctx, sc, d, events.CodeDocAmended, "Document amended"); err != nil {
				return err
			}
		}
		out, created = d, wasCreated
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// supersede writes the next version row in base's chain with the given
// status, converging on the existing row for a repeated idempotency key.
func (s *Service) supersede(ctx context.Context, sc scope.Scope, base *ClinicalDocument, status Status, payload map[string]interface{}, createdBy string, key *string) (*ClinicalDocument, bool, error) {
	existing, err := s.repo.FindSuperseding(ctx, sc, base.ID, status, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	version, err := s.repo.MaxVersion(ctx, sc, base.EncounterID, base.TemplateCode)
	if err != nil {
		return nil, false, err
	}

	supersedes := base.ID
	d := &ClinicalDocument{
		TenantID:       sc.TenantID,
		FacilityID:     sc.FacilityID,
		PatientID:      base.PatientID,
		EncounterID:    base.EncounterID,
		TemplateCode:   base.TemplateCode,
		Version:        version + 1,
		Status:         status,
		SupersedesID:   &supersedes,
		Payload:        payload,
		IdempotencyKey: key,
		CreatedBy:      createdBy,
	}
	inserted, err := s.repo.Insert(ctx, d)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return d, true, nil
	}
	existing, err = s.repo.FindSuperseding(ctx, sc, base.ID, status, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperr.Internal("document missing after conflicting insert", nil)
	}
	return existing, false, nil
}

func (s *Service) lockDocument(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error) {
	d, err := s.repo.GetForUpdate(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("document not found")
	}
	return d, nil
}

// Latest returns the winning row per template chain. Drafts are excluded
// unless includeDrafts is set.
func (s *Service) Latest(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, includeDrafts bool) ([]*ClinicalDocument, error) {
	statuses := DefaultLatestStatuses
	if includeDrafts {
		statuses = []Status{StatusDraft, StatusFinal, StatusAmended}
	}
	return s.repo.LatestPerTemplate(ctx, sc, encounterID, statuses)
}

// Get fetches a single document row within the scope.
func (s *Service) Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*ClinicalDocument, error) {
	d, err := s.repo.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("document not found")
	}
	return d, nil
}

// SaveEncounterDocument upserts the phase-0 singleton for (encounter,
// kind) and records DOC_AUTHORED on first creation. The event key reuses
// the stable document id, so repeated saves stay a single timeline entry.
func (s *Service) SaveEncounterDocument(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kind Kind, content map[string]interface{}, authoredBy *string) (*EncounterDocument, error) {
	if content == nil {
		content = map[string]interface{}{}
	}

	var out *EncounterDocument
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		d := &EncounterDocument{
			TenantID:    sc.TenantID,
			FacilityID:  sc.FacilityID,
			EncounterID: encounterID,
			Kind:        kind,
			Content:     content,
			AuthoredBy:  authoredBy,
		}
		created, err := s.repo.UpsertEncounterDocument(ctx, d)
		if err != nil {
			return err
		}
		if created {
			_, err = s.events.Emit(ctx, sc, encounterID, events.EmitParams{
				Key:       events.CodeDocAuthored + ":" + d.ID.String(),
				Code:      events.CodeDocAuthored,
				Title:     "Document authored",
				Timestamp: d.AuthoredAt,
				Meta: map[string]interface{}{
					"document_id": d.ID.String(),
					"kind":        string(kind),
					"authored_by": authoredBy,
				},
			})
			if err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MissingKinds reports which of the required kinds have no document yet.
func (s *Service) MissingKinds(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, required []Kind) ([]Kind, error) {
	existing, err := s.repo.ExistingKinds(ctx, sc, encounterID, required)
	if err != nil {
		return nil, err
	}
	have := make(map[Kind]bool, len(existing))
	for _, k := range existing {
		have[k] = true
	}
	var missing []Kind
	for _, k := range required {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}
