package encounter

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/events"
)

func newBackfiller(env *testEnv) *Backfiller {
	return NewBackfiller(env.encRepo, env.taskRepo, env.docRepo, env.eventRepo, zerolog.Nop())
}

func TestBackfillMissingOnly(t *testing.T) {
	env := newTestEnv()
	sc := testScope()
	ctx := context.Background()
	enc := mustCreate(t, env, sc)

	if _, err := env.svc.CheckIn(ctx, sc, enc.ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := env.svc.RecordVitals(ctx, sc, enc.ID, map[string]interface{}{"bp": "120/80"}, nil); err != nil {
		t.Fatalf("RecordVitals: %v", err)
	}

	// The live stream is complete, so the backfill creates nothing.
	stats, err := newBackfiller(env).Run(ctx, sc, BackfillOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Examined != 1 || stats.Created != 0 {
		t.Errorf("stats = %+v, want examined 1 created 0", stats)
	}
}

func TestBackfillRecreatesLostEvents(t *testing.T) {
	env := newTestEnv()
	sc := testScope()
	ctx := context.Background()
	enc := mustCreate(t, env, sc)

	if _, err := env.svc.CheckIn(ctx, sc, enc.ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	// Simulate a lost stream.
	env.eventRepo.byKey = map[string]*events.EncounterEvent{}
	env.eventRepo.order = nil

	stats, err := newBackfiller(env).Run(ctx, sc, BackfillOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// ENCOUNTER_CREATED, ENCOUNTER_CHECKED_IN, 2x TASK_CREATED.
	if stats.Created != 4 {
		t.Errorf("created = %d, want 4", stats.Created)
	}

	ev, _ := env.eventRepo.GetByKey(ctx, sc, enc.ID, "ENCOUNTER_CHECKED_IN:"+enc.ID.String())
	if ev == nil {
		t.Error("expected rebuilt ENCOUNTER_CHECKED_IN event")
	}
}

func TestBackfillDryRun(t *testing.T) {
	env := newTestEnv()
	sc := testScope()
	ctx := context.Background()
	enc := mustCreate(t, env, sc)

	env.eventRepo.byKey = map[string]*events.EncounterEvent{}
	env.eventRepo.order = nil

	stats, err := newBackfiller(env).Run(ctx, sc, BackfillOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Created != 3 {
		t.Errorf("created = %d, want 3", stats.Created)
	}
	if rows, _ := env.eventRepo.ListByEncounter(ctx, sc, enc.ID); len(rows) != 0 {
		t.Errorf("dry run wrote %d events", len(rows))
	}
}
