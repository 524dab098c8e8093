package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/events"
	"github.com/hmcore/hmcore/internal/domain/rules"
	"github.com/hmcore/hmcore/internal/domain/task"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Subscriber receives a synchronous in-process notification after an
// encounter is created and committed. Failures are logged and never
// roll back the creation; default-task bootstrapping does not go
// through here, it is part of the creating transaction.
type Subscriber interface {
	OnEncounterCreated(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) error
}

// defaultTaskCodes is the phase-0 task set opened on every encounter.
var defaultTaskCodes = []string{task.CodeRecordVitals, task.CodeDoctorConsult}

// Service orchestrates the encounter lifecycle, composing the task
// workflow, document lifecycle, close gate and event store.
type Service struct {
	repo        Repository
	tasks       *task.Service
	docs        *documents.Service
	gate        *rules.Engine
	events      *events.Emitter
	pool        *pgxpool.Pool
	logger      zerolog.Logger
	subscribers []Subscriber
}

func NewService(
	repo Repository,
	tasks *task.Service,
	docs *documents.Service,
	gate *rules.Engine,
	emitter *events.Emitter,
	pool *pgxpool.Pool,
	logger zerolog.Logger,
	subscribers ...Subscriber,
) *Service {
	return &Service{
		repo:        repo,
		tasks:       tasks,
		docs:        docs,
		gate:        gate,
		events:      emitter,
		pool:        pool,
		logger:      logger.With().Str("component", "encounter").Logger(),
		subscribers: subscribers,
	}
}

func (s *Service) emitEncounterEvent(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, code, title string, ts time.Time, meta map[string]interface{}) error {
	_, err := s.events.Emit(ctx, sc, encounterID, events.EmitParams{
		Key:       fmt.Sprintf("%s:%s", code, encounterID),
		Code:      code,
		Title:     title,
		Timestamp: ts,
		Meta:      meta,
	})
	return err
}

func (s *Service) lockEncounter(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error) {
	enc, err := s.repo.GetForUpdate(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, apperr.NotFound("encounter not found")
	}
	return enc, nil
}

type CreateParams struct {
	PatientID       uuid.UUID
	Reason          string
	AttendingDoctor *string
	ScheduledAt     *time.Time
	CreatedBy       string
}

// Create opens an encounter, records ENCOUNTER_CREATED and bootstraps
// the default task set, all in one transaction. The one-active-
// encounter-per-patient constraint turns a second active visit into a
// conflict. Subscribers are notified only after the commit.
func (s *Service) Create(ctx context.Context, sc scope.Scope, p CreateParams) (*Encounter, error) {
	if p.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}

	enc := &Encounter{
		TenantID:        sc.TenantID,
		FacilityID:      sc.FacilityID,
		PatientID:       p.PatientID,
		Status:          StatusCreated,
		Reason:          p.Reason,
		AttendingDoctor: p.AttendingDoctor,
		ScheduledAt:     p.ScheduledAt,
		CreatedBy:       p.CreatedBy,
	}

	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, enc); err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict("active encounter already exists for this patient in this facility")
			}
			return fmt.Errorf("insert encounter: %w", err)
		}

		err := s.emitEncounterEvent(ctx, sc, enc.ID, events.CodeEncounterCreated, "Encounter created", enc.CreatedAt, map[string]interface{}{
			"encounter_id": enc.ID.String(),
			"patient_id":   p.PatientID.String(),
			"status":       string(enc.Status),
		})
		if err != nil {
			return err
		}

		for _, code := range defaultTaskCodes {
			if _, err := s.tasks.Create(ctx, sc, task.CreateParams{
				EncounterID: enc.ID,
				Code:        code,
				Title:       task.DefaultTitles[code],
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Stringer("encounter_id", enc.ID).
		Stringer("patient_id", enc.PatientID).
		Msg("encounter created")
	s.notifyCreated(ctx, sc, enc.ID)
	return enc, nil
}

// notifyCreated fans out to subscribers after commit, best effort.
func (s *Service) notifyCreated(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) {
	for _, sub := range s.subscribers {
		if err := sub.OnEncounterCreated(ctx, sc, encounterID); err != nil {
			s.logger.Warn().Err(err).
				Stringer("encounter_id", encounterID).
				Msg("encounter.created subscriber failed")
		}
	}
}

// CheckIn marks the patient as arrived.
func (s *Service) CheckIn(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		enc, err = s.lockEncounter(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if enc.Status.IsTerminal() {
			return apperr.Conflict(fmt.Sprintf("cannot check in a %s encounter", enc.Status))
		}

		now := time.Now().UTC()
		enc.Status = StatusCheckedIn
		enc.CheckedInAt = &now
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}
		return s.emitEncounterEvent(ctx, sc, enc.ID, events.CodeEncounterCheckedIn, "Encounter checked in", now, map[string]interface{}{
			"encounter_id": enc.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// StartConsult moves the encounter to IN_CONSULT and opens the
// doctor-consult task, assigned to the attending doctor when known.
func (s *Service) StartConsult(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		enc, err = s.lockEncounter(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if enc.Status.IsTerminal() {
			return apperr.Conflict(fmt.Sprintf("cannot start a consult on a %s encounter", enc.Status))
		}

		now := time.Now().UTC()
		enc.Status = StatusInConsult
		enc.ConsultStartedAt = &now
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}

		if _, err := s.tasks.Create(ctx, sc, task.CreateParams{
			EncounterID: enc.ID,
			Code:        task.CodeDoctorConsult,
			Title:       task.DefaultTitles[task.CodeDoctorConsult],
			AssignedTo:  enc.AttendingDoctor,
		}); err != nil {
			return err
		}

		return s.emitEncounterEvent(ctx, sc, enc.ID, events.CodeConsultStarted, "Consult started", now, map[string]interface{}{
			"encounter_id": enc.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (s *Service) requireEncounter(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Encounter, error) {
	enc, err := s.repo.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, apperr.NotFound("encounter not found")
	}
	return enc, nil
}

// RecordVitals saves the VITALS document and auto-completes the
// record-vitals task.
func (s *Service) RecordVitals(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, vitals map[string]interface{}, authoredBy *string) (*documents.EncounterDocument, error) {
	var doc *documents.EncounterDocument
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if _, err := s.requireEncounter(ctx, sc, encounterID); err != nil {
			return err
		}
		var err error
		doc, err = s.docs.SaveEncounterDocument(ctx, sc, encounterID, documents.KindVitals, vitals, authoredBy)
		if err != nil {
			return err
		}
		_, err = s.tasks.BackfillMarkDone(ctx, sc, encounterID, task.CodeRecordVitals)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveAssessment saves the ASSESSMENT document and auto-completes the
// doctor-consult task.
func (s *Service) SaveAssessment(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, content map[string]interface{}, authoredBy *string) (*documents.EncounterDocument, error) {
	var doc *documents.EncounterDocument
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if _, err := s.requireEncounter(ctx, sc, encounterID); err != nil {
			return err
		}
		var err error
		doc, err = s.docs.SaveEncounterDocument(ctx, sc, encounterID, documents.KindAssessment, content, authoredBy)
		if err != nil {
			return err
		}
		_, err = s.tasks.BackfillMarkDone(ctx, sc, encounterID, task.CodeDoctorConsult)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SavePlan saves the PLAN document. No task completes here.
func (s *Service) SavePlan(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, content map[string]interface{}, authoredBy *string) (*documents.EncounterDocument, error) {
	var doc *documents.EncounterDocument
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if _, err := s.requireEncounter(ctx, sc, encounterID); err != nil {
			return err
		}
		var err error
		doc, err = s.docs.SaveEncounterDocument(ctx, sc, encounterID, documents.KindPlan, content, authoredBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GatePayload is the advisory close-gate view served to the UI. The
// flat Missing list repeats the structured lists with section labels
// so a display can render it verbatim.
type GatePayload struct {
	OK           bool                     `json:"ok"`
	CanClose     bool                     `json:"can_close"`
	MissingDocs  []string                 `json:"missing_docs"`
	MissingTasks []string                 `json:"missing_tasks"`
	Missing      []string                 `json:"missing"`
	Reasons      []map[string]interface{} `json:"reasons"`
}

// GetCloseGate combines the completeness check with a non-raising
// probe of the critical-ack safety blocker.
func (s *Service) GetCloseGate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (*GatePayload, error) {
	if _, err := s.requireEncounter(ctx, sc, encounterID); err != nil {
		return nil, err
	}

	r, err := s.gate.CheckCloseGate(ctx, sc, encounterID)
	if err != nil {
		return nil, err
	}

	missing := []string{}
	if len(r.DocsMissing) > 0 {
		missing = append(missing, "DOCS", "docs_missing")
		missing = append(missing, r.DocsMissing...)
	}
	if len(r.TasksOpen) > 0 {
		missing = append(missing, "TASKS", "tasks_open")
		missing = append(missing, r.TasksOpen...)
	}

	blocked, err := s.gate.CriticalAckBlocked(ctx, sc, encounterID)
	if err != nil {
		return nil, err
	}
	if blocked {
		missing = append(missing, "SAFETY", "CRITICAL_ACK", task.CodeCriticalResultAck)
	}

	return &GatePayload{
		OK:           r.OK,
		CanClose:     r.CanClose,
		MissingDocs:  r.DocsMissing,
		MissingTasks: r.TasksOpen,
		Missing:      missing,
		Reasons: []map[string]interface{}{
			{"type": "DOCS", "missing": r.DocsMissing},
			{"type": "TASKS", "open": r.TasksOpen},
		},
	}, nil
}

// Close is the quick close. Only the critical-ack hard blocker applies;
// completeness is advisory via GetCloseGate. Remaining tasks are
// resolved in the same transaction.
func (s *Service) Close(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, actorUserID string) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.gate.EnforceCriticalAckGate(ctx, sc, encounterID); err != nil {
			return err
		}

		var err error
		enc, err = s.lockEncounter(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if enc.Status == StatusCancelled {
			return apperr.Conflict("cannot close a CANCELLED encounter")
		}
		if enc.Status == StatusClosed {
			return nil
		}

		now := time.Now().UTC()
		enc.Status = StatusClosed
		enc.ClosedAt = &now
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}

		if _, err := s.tasks.CloseAllForEncounter(ctx, sc, enc.ID); err != nil {
			return err
		}

		return s.emitEncounterEvent(ctx, sc, enc.ID, events.CodeEncounterClosed, "Encounter closed", now, map[string]interface{}{
			"actor_user_id": actorUserID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Stringer("encounter_id", enc.ID).Msg("encounter closed")
	return enc, nil
}

// CloseStrict enforces the full close gate, then closes.
func (s *Service) CloseStrict(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, actorUserID string) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.gate.EnforceCloseGate(ctx, sc, encounterID); err != nil {
			return err
		}
		var err error
		enc, err = s.Close(ctx, sc, encounterID, actorUserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Cancel flips the encounter to CANCELLED. Closed encounters stay
// closed; repeat cancels are no-ops.
func (s *Service) Cancel(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, actorUserID string) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		enc, err = s.lockEncounter(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if enc.Status == StatusClosed {
			return apperr.Conflict("cannot cancel a CLOSED encounter")
		}
		if enc.Status == StatusCancelled {
			return nil
		}

		previous := enc.Status
		now := time.Now().UTC()
		enc.Status = StatusCancelled
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}
		return s.emitEncounterEvent(ctx, sc, enc.ID, events.CodeEncounterCancelled, "Encounter cancelled", now, map[string]interface{}{
			"encounter_id":    enc.ID.String(),
			"actor_user_id":   actorUserID,
			"previous_status": string(previous),
		})
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (s *Service) Get(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (*Encounter, error) {
	return s.requireEncounter(ctx, sc, encounterID)
}

func (s *Service) List(ctx context.Context, sc scope.Scope, f Filter, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.List(ctx, sc, f, limit, offset)
}

// TimelinePayload wraps the event stream for the timeline endpoint.
type TimelinePayload struct {
	EncounterID uuid.UUID             `json:"encounter_id"`
	Items       []events.TimelineItem `json:"items"`
}

// Timeline reads the encounter's immutable event stream.
func (s *Service) Timeline(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (*TimelinePayload, error) {
	if _, err := s.requireEncounter(ctx, sc, encounterID); err != nil {
		return nil, err
	}
	items, err := s.events.Timeline(ctx, sc, encounterID)
	if err != nil {
		return nil, err
	}
	return &TimelinePayload{EncounterID: encounterID, Items: items}, nil
}
