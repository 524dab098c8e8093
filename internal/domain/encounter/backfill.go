package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/events"
	"github.com/hmcore/hmcore/internal/domain/task"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Backfiller reconstructs the event stream from current state. It only
// inserts events that are missing, so running it against a healthy
// stream is a no-op. Useful after importing legacy encounters or
// recovering from a partial outage.
type Backfiller struct {
	encounters Repository
	tasks      task.Repository
	docs       documents.Repository
	events     events.Repository
	logger     zerolog.Logger
}

func NewBackfiller(encounters Repository, tasks task.Repository, docs documents.Repository, evRepo events.Repository, logger zerolog.Logger) *Backfiller {
	return &Backfiller{
		encounters: encounters,
		tasks:      tasks,
		docs:       docs,
		events:     evRepo,
		logger:     logger.With().Str("component", "backfill").Logger(),
	}
}

type BackfillOptions struct {
	DryRun bool
	Limit  int
}

type BackfillStats struct {
	Examined int
	Created  int
}

var backfillKinds = []documents.Kind{
	documents.KindVitals,
	documents.KindAssessment,
	documents.KindPlan,
	documents.KindNote,
}

// Run scans encounters within the scope and fills in missing lifecycle,
// task, and document events derived from the rows themselves.
func (b *Backfiller) Run(ctx context.Context, sc scope.Scope, opts BackfillOptions) (BackfillStats, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}

	var stats BackfillStats
	encs, _, err := b.encounters.List(ctx, sc, Filter{}, limit, 0)
	if err != nil {
		return stats, fmt.Errorf("list encounters: %w", err)
	}

	for _, enc := range encs {
		stats.Examined++
		if err := b.backfillEncounter(ctx, sc, enc, opts.DryRun, &stats); err != nil {
			return stats, err
		}
	}

	b.logger.Info().
		Int("examined", stats.Examined).
		Int("created", stats.Created).
		Bool("dry_run", opts.DryRun).
		Msg("event backfill finished")
	return stats, nil
}

func (b *Backfiller) backfillEncounter(ctx context.Context, sc scope.Scope, enc *Encounter, dry bool, stats *BackfillStats) error {
	statusMeta := map[string]interface{}{"status": string(enc.Status)}

	type lifecycle struct {
		code  string
		title string
		at    *time.Time
	}
	created := enc.CreatedAt
	steps := []lifecycle{
		{events.CodeEncounterCreated, "Encounter created", &created},
		{events.CodeEncounterCheckedIn, "Encounter checked in", enc.CheckedInAt},
		{events.CodeConsultStarted, "Consult started", enc.ConsultStartedAt},
		{events.CodeEncounterClosed, "Encounter closed", enc.ClosedAt},
	}
	for _, st := range steps {
		if st.at == nil {
			continue
		}
		if err := b.upsert(ctx, sc, enc.ID, st.code+":"+enc.ID.String(), st.code, st.title, *st.at, statusMeta, dry, stats); err != nil {
			return err
		}
	}

	encID := enc.ID
	tasks, _, err := b.tasks.List(ctx, sc, task.Filter{EncounterID: &encID}, 1000, 0)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", enc.ID, err)
	}
	for _, t := range tasks {
		meta := map[string]interface{}{
			"task_id":    t.ID.String(),
			"task_code":  t.Code,
			"task_title": t.Title,
			"status":     string(t.Status),
		}
		if err := b.upsert(ctx, sc, enc.ID, "TASK_CREATED:"+t.ID.String(), events.CodeTaskCreated, "Task created", t.CreatedAt, meta, dry, stats); err != nil {
			return err
		}
		if t.CompletedAt != nil {
			if err := b.upsert(ctx, sc, enc.ID, "TASK_DONE:"+t.ID.String(), events.CodeTaskDone, "Task completed", *t.CompletedAt, meta, dry, stats); err != nil {
				return err
			}
		}
	}

	for _, kind := range backfillKinds {
		d, err := b.docs.GetEncounterDocument(ctx, sc, enc.ID, kind)
		if err != nil {
			return fmt.Errorf("get %s document for %s: %w", kind, enc.ID, err)
		}
		if d == nil {
			continue
		}
		meta := map[string]interface{}{
			"document_id": d.ID.String(),
			"kind":        string(d.Kind),
			"authored_by": d.AuthoredBy,
		}
		if err := b.upsert(ctx, sc, enc.ID, events.CodeDocAuthored+":"+d.ID.String(), events.CodeDocAuthored, "Document authored", d.AuthoredAt, meta, dry, stats); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backfiller) upsert(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, key, code, title string, ts time.Time, meta map[string]interface{}, dry bool, stats *BackfillStats) error {
	if dry {
		existing, err := b.events.GetByKey(ctx, sc, encounterID, key)
		if err != nil {
			return err
		}
		if existing == nil {
			stats.Created++
		}
		return nil
	}

	inserted, err := b.events.Insert(ctx, &events.EncounterEvent{
		TenantID:    sc.TenantID,
		FacilityID:  sc.FacilityID,
		EncounterID: encounterID,
		EventKey:    key,
		Code:        code,
		Title:       title,
		Timestamp:   ts,
		Meta:        meta,
	})
	if err != nil {
		return err
	}
	if inserted {
		stats.Created++
	}
	return nil
}
