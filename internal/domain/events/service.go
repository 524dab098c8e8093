package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// EmitParams describes one domain fact to record. Key must be unique per
// encounter and fully determined by the fact, e.g. "TASK_DONE:<task_id>",
// so retries and races collapse onto one row.
type EmitParams struct {
	Key       string
	Code      string
	Title     string
	Timestamp time.Time
	Meta      map[string]interface{}
}

// Emitter records events idempotently and serves the timeline.
type Emitter struct {
	repo   Repository
	logger zerolog.Logger
}

func NewEmitter(repo Repository, logger zerolog.Logger) *Emitter {
	return &Emitter{repo: repo, logger: logger}
}

// Emit records the event unless one with the same key already exists, and
// returns the winning row either way. Duplicate emission is not an error.
func (e *Emitter) Emit(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, p EmitParams) (*EncounterEvent, error) {
	if p.Key == "" {
		return nil, fmt.Errorf("event key is required")
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}

	ev := &EncounterEvent{
		TenantID:    sc.TenantID,
		FacilityID:  sc.FacilityID,
		EncounterID: encounterID,
		EventKey:    p.Key,
		Code:        p.Code,
		Title:       p.Title,
		Timestamp:   ts,
		Meta:        meta,
	}

	inserted, err := e.repo.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		e.logger.Debug().
			Str("event_key", p.Key).
			Str("encounter_id", encounterID.String()).
			Msg("event already recorded")
	}

	stored, err := e.repo.GetByKey(ctx, sc, encounterID, p.Key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		if inserted {
			// Our own write; the row is what we just sent.
			return ev, nil
		}
		// The insert was skipped for an existing row the fetch cannot find.
		// That write is lost; surface it instead of fabricating history.
		return nil, apperr.Internal("event "+p.Key+" skipped as duplicate but not stored", nil)
	}
	return stored, nil
}

// Timeline returns the encounter's events as read-model items ordered by
// (timestamp, created_at).
func (e *Emitter) Timeline(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) ([]TimelineItem, error) {
	evs, err := e.repo.ListByEncounter(ctx, sc, encounterID)
	if err != nil {
		return nil, err
	}
	items := make([]TimelineItem, 0, len(evs))
	for _, ev := range evs {
		items = append(items, TimelineItemFrom(ev))
	}
	return items, nil
}
