package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/events"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Service owns every task status transition. Other components that need a
// task moved call into it; nothing else writes task rows.
type Service struct {
	repo   Repository
	events *events.Emitter
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewService(repo Repository, em *events.Emitter, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{repo: repo, events: em, pool: pool, logger: logger}
}

// CreateParams describes a task creation request. Code is the idempotency
// handle within the encounter.
type CreateParams struct {
	EncounterID uuid.UUID
	Code        string
	Title       string
	AssignedTo  *string
	DueAt       *time.Time
}

func taskMeta(t *Task, extra map[string]interface{}) map[string]interface{} {
	meta := map[string]interface{}{
		"task_id":     t.ID.String(),
		"task_code":   t.Code,
		"task_title":  t.Title,
		"status":      string(t.Status),
		"assigned_to": t.AssignedTo,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (s *Service) emitTaskEvent(ctx context.Context, sc scope.Scope, t *Task, code, title, key string, ts time.Time, extra map[string]interface{}) error {
	_, err := s.events.Emit(ctx, sc, t.EncounterID, events.EmitParams{
		Key:       key,
		Code:      code,
		Title:     title,
		Timestamp: ts,
		Meta:      taskMeta(t, extra),
	})
	return err
}

// Create is idempotent per (encounter, code). TASK_CREATED is emitted only
// when the task is newly created; an existing task is selectively updated
// without re-emitting.
func (s *Service) Create(ctx context.Context, sc scope.Scope, p CreateParams) (*Task, error) {
	if p.Code == "" {
		return nil, apperr.Validation("task code is required")
	}

	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		existing, err := s.repo.GetByCode(ctx, sc, p.EncounterID, p.Code)
		if err != nil {
			return err
		}
		if existing == nil {
			t := &Task{
				TenantID:    sc.TenantID,
				FacilityID:  sc.FacilityID,
				EncounterID: p.EncounterID,
				Code:        p.Code,
				Title:       p.Title,
				Status:      StatusOpen,
				AssignedTo:  p.AssignedTo,
				DueAt:       p.DueAt,
			}
			inserted, err := s.repo.Insert(ctx, t)
			if err != nil {
				return err
			}
			if inserted {
				if err := s.emitTaskEvent(ctx, sc, t,
					events.CodeTaskCreated, "Task created",
					"TASK_CREATED:"+t.ID.String(), t.CreatedAt, nil); err != nil {
					return err
				}
				out = t
				return nil
			}
			// Lost a race; fall through to the update path.
			existing, err = s.repo.GetByCode(ctx, sc, p.EncounterID, p.Code)
			if err != nil {
				return err
			}
			if existing == nil {
				return apperr.Internal("task missing after conflicting insert", nil)
			}
		}

		out, err = s.refreshExisting(ctx, existing, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refreshExisting updates mutable fields supplied by a repeat creation
// request. Assignment and due time only change when explicitly provided.
func (s *Service) refreshExisting(ctx context.Context, t *Task, p CreateParams) (*Task, error) {
	changed := false
	if p.Title != "" && t.Title != p.Title {
		t.Title = p.Title
		changed = true
	}
	if p.AssignedTo != nil && !strPtrEq(t.AssignedTo, p.AssignedTo) {
		t.AssignedTo = p.AssignedTo
		changed = true
	}
	if p.DueAt != nil && !timePtrEq(t.DueAt, p.DueAt) {
		t.DueAt = p.DueAt
		changed = true
	}
	if changed {
		if err := s.repo.Update(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Assign sets the assignee. Assigning the current assignee is a no-op.
func (s *Service) Assign(ctx context.Context, sc scope.Scope, taskID uuid.UUID, assignee string) (*Task, error) {
	if assignee == "" {
		return nil, apperr.Validation("assignee is required")
	}

	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return apperr.Conflict("cannot assign a DONE or CANCELLED task")
		}
		if t.AssignedTo != nil && *t.AssignedTo == assignee {
			out = t
			return nil
		}

		t.AssignedTo = &assignee
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.emitTaskEvent(ctx, sc, t,
			events.CodeTaskAssigned, "Task assigned",
			"TASK_ASSIGNED:"+t.ID.String()+":"+assignee, time.Time{}, nil); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unassign clears the assignee. Unassigning an unassigned task is a no-op.
func (s *Service) Unassign(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return apperr.Conflict("cannot unassign a DONE or CANCELLED task")
		}
		if t.AssignedTo == nil {
			out = t
			return nil
		}

		prev := *t.AssignedTo
		t.AssignedTo = nil
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.emitTaskEvent(ctx, sc, t,
			events.CodeTaskUnassigned, "Task unassigned",
			"TASK_UNASSIGNED:"+t.ID.String()+":"+prev, time.Time{},
			map[string]interface{}{"previous_assigned_to": prev}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Start moves an OPEN task to IN_PROGRESS.
func (s *Service) Start(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if err := s.startLocked(ctx, sc, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) startLocked(ctx context.Context, sc scope.Scope, t *Task) error {
	if t.Status != StatusOpen {
		return apperr.Conflict("only an OPEN task can be started")
	}
	t.Status = StatusInProgress
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}
	return s.emitTaskEvent(ctx, sc, t,
		events.CodeTaskStarted, "Task started",
		"TASK_STARTED:"+t.ID.String(), time.Time{}, nil)
}

// Complete moves an IN_PROGRESS task to DONE. A task already DONE keeps its
// original completed_at untouched.
func (s *Service) Complete(ctx context.Context, sc scope.Scope, taskID uuid.UUID, completedAt *time.Time) (*Task, error) {
	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if t.Status == StatusDone {
			out = t
			return nil
		}
		if err := s.completeLocked(ctx, sc, t, completedAt); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) completeLocked(ctx context.Context, sc scope.Scope, t *Task, completedAt *time.Time) error {
	if t.Status != StatusInProgress {
		return apperr.Conflict("only an IN_PROGRESS task can be completed")
	}
	ts := time.Now().UTC()
	if completedAt != nil {
		ts = completedAt.UTC()
	}
	t.Status = StatusDone
	t.CompletedAt = &ts
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}
	return s.emitTaskEvent(ctx, sc, t,
		events.CodeTaskDone, "Task completed",
		"TASK_DONE:"+t.ID.String(), ts, nil)
}

// Reopen moves a DONE task back to IN_PROGRESS and clears completed_at.
// The event key embeds the prior completion time so every done/reopen cycle
// records its own event.
func (s *Service) Reopen(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusDone {
			return apperr.Conflict("only a DONE task can be reopened")
		}

		prev := "none"
		if t.CompletedAt != nil {
			prev = t.CompletedAt.UTC().Format(time.RFC3339Nano)
		}

		t.Status = StatusInProgress
		t.CompletedAt = nil
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.emitTaskEvent(ctx, sc, t,
			events.CodeTaskReopened, "Task reopened",
			"TASK_REOPENED:"+t.ID.String()+":"+prev, time.Time{},
			map[string]interface{}{"previous_completed_at": prev}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel moves an OPEN or IN_PROGRESS task to CANCELLED. DONE tasks cannot
// be cancelled; cancelling an already CANCELLED task is a no-op.
func (s *Service) Cancel(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	var out *Task
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		t, err := s.lockTask(ctx, sc, taskID)
		if err != nil {
			return err
		}
		if t.Status == StatusDone {
			return apperr.Conflict("cannot cancel a DONE task")
		}
		if t.Status == StatusCancelled {
			out = t
			return nil
		}

		prevStatus := t.Status
		t.Status = StatusCancelled
		t.CompletedAt = nil
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.emitTaskEvent(ctx, sc, t,
			events.CodeTaskCancelled, "Task cancelled",
			"TASK_CANCELLED:"+t.ID.String(), time.Time{},
			map[string]interface{}{"previous_status": string(prevStatus)}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BackfillMarkDone ensures a task identified by (encounter, code) exists and
// is DONE, bypassing the OPEN -> IN_PROGRESS -> DONE workflow. It reports 1
// when it created or changed the task and 0 when nothing needed doing.
func (s *Service) BackfillMarkDone(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, code string) (int, error) {
	changed := 0
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		ts := time.Now().UTC()

		t, err := s.repo.GetByCode(ctx, sc, encounterID, code)
		if err != nil {
			return err
		}
		if t == nil {
			title := DefaultTitles[code]
			if title == "" {
				title = "Task"
			}
			t = &Task{
				TenantID:    sc.TenantID,
				FacilityID:  sc.FacilityID,
				EncounterID: encounterID,
				Code:        code,
				Title:       title,
				Status:      StatusDone,
				CompletedAt: &ts,
			}
			inserted, err := s.repo.Insert(ctx, t)
			if err != nil {
				return err
			}
			if inserted {
				changed = 1
				return s.emitTaskEvent(ctx, sc, t,
					events.CodeTaskDone, "Task completed",
					"TASK_DONE:"+t.ID.String(), ts, nil)
			}
			t, err = s.repo.GetByCode(ctx, sc, encounterID, code)
			if err != nil {
				return err
			}
			if t == nil {
				return apperr.Internal("task missing after conflicting insert", nil)
			}
		}

		if t.Status == StatusDone && t.CompletedAt != nil {
			return nil
		}

		t.Status = StatusDone
		if t.CompletedAt == nil {
			t.CompletedAt = &ts
		}
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		changed = 1
		return s.emitTaskEvent(ctx, sc, t,
			events.CodeTaskDone, "Task completed",
			"TASK_DONE:"+t.ID.String(), *t.CompletedAt, nil)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// CloseAllForEncounter completes every non-terminal task on the encounter
// using the normal workflow: OPEN tasks are started first, then completed.
// Returns how many tasks it completed.
func (s *Service) CloseAllForEncounter(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (int, error) {
	count := 0
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		tasks, err := s.repo.ListByEncounterForUpdate(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if t.Status == StatusOpen {
				if err := s.startLocked(ctx, sc, t); err != nil {
					return err
				}
			}
			if err := s.completeLocked(ctx, sc, t, nil); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Get fetches a single task within the scope.
func (s *Service) Get(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	t, err := s.repo.Get(ctx, sc, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("task not found")
	}
	return t, nil
}

// List returns tasks matching the filter plus the total match count.
func (s *Service) List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Task, int, error) {
	return s.repo.List(ctx, sc, f, limit, offset)
}

func (s *Service) lockTask(ctx context.Context, sc scope.Scope, taskID uuid.UUID) (*Task, error) {
	t, err := s.repo.GetForUpdate(ctx, sc, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("task not found")
	}
	return t, nil
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
