package rules

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/task"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// TaskStatusSource reports the status of an encounter's tasks among a
// set of codes. Satisfied by the task repository.
type TaskStatusSource interface {
	StatusesByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, codes []string) ([]task.CodeStatus, error)
}

// DocumentKindSource reports which phase-0 document kinds exist for an
// encounter. Satisfied by the documents repository.
type DocumentKindSource interface {
	ExistingKinds(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kinds []documents.Kind) ([]documents.Kind, error)
}

// LabVerificationChecker probes for lab results awaiting verification.
// Deployments without a lab subsystem use NoUnverifiedLabs.
type LabVerificationChecker interface {
	HasUnverifiedResults(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (bool, error)
}

// NoUnverifiedLabs always reports a clean lab state.
type NoUnverifiedLabs struct{}

func (NoUnverifiedLabs) HasUnverifiedResults(context.Context, scope.Scope, uuid.UUID) (bool, error) {
	return false, nil
}

// CloseGateResult is the advisory completeness verdict.
type CloseGateResult struct {
	OK          bool     `json:"ok"`
	CanClose    bool     `json:"can_close"`
	DocsMissing []string `json:"docs_missing"`
	TasksOpen   []string `json:"tasks_open"`
}

// MissingMap renders the result into the map shape carried by strict
// rejections, including the DOCS/TASKS summary flags.
func (r CloseGateResult) MissingMap() map[string]interface{} {
	return map[string]interface{}{
		"docs_missing": r.DocsMissing,
		"tasks_open":   r.TasksOpen,
		"DOCS":         len(r.DocsMissing) > 0,
		"TASKS":        len(r.TasksOpen) > 0,
	}
}

// Engine evaluates the encounter close gate against the scope's rule
// configuration and current task/document state.
type Engine struct {
	rules  Repository
	tasks  TaskStatusSource
	docs   DocumentKindSource
	lab    LabVerificationChecker
	logger zerolog.Logger
}

func NewEngine(rules Repository, tasks TaskStatusSource, docs DocumentKindSource, lab LabVerificationChecker, logger zerolog.Logger) *Engine {
	if lab == nil {
		lab = NoUnverifiedLabs{}
	}
	return &Engine{
		rules:  rules,
		tasks:  tasks,
		docs:   docs,
		lab:    lab,
		logger: logger.With().Str("component", "close_gate").Logger(),
	}
}

// LoadCloseGateConfig resolves the scope's active close-gate rule,
// falling back to defaults when no rule exists.
func (e *Engine) LoadCloseGateConfig(ctx context.Context, sc scope.Scope) (CloseGateConfig, error) {
	rl, err := e.rules.GetActive(ctx, sc, CloseGateRuleCode)
	if err != nil {
		return CloseGateConfig{}, err
	}
	return CloseGateConfigFromRule(rl), nil
}

// statusRank orders task statuses for duplicate resolution. The unique
// constraint on (encounter, code) should prevent duplicates, but the
// gate tolerates them: the highest-ranked row wins per code.
var statusRank = map[task.Status]int{
	task.StatusDone:       3,
	task.StatusCancelled:  2,
	task.StatusInProgress: 1,
	task.StatusOpen:       0,
}

// CheckCloseGate computes the advisory completeness verdict. It never
// raises a gate rejection; missing state comes back as lists.
func (e *Engine) CheckCloseGate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (CloseGateResult, error) {
	cfg, err := e.LoadCloseGateConfig(ctx, sc)
	if err != nil {
		return CloseGateResult{}, err
	}
	return e.checkWithConfig(ctx, sc, encounterID, cfg)
}

func (e *Engine) checkWithConfig(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, cfg CloseGateConfig) (CloseGateResult, error) {
	requiredKinds := make([]documents.Kind, len(cfg.RequiredDocs))
	for i, k := range cfg.RequiredDocs {
		requiredKinds[i] = documents.Kind(k)
	}
	existing, err := e.docs.ExistingKinds(ctx, sc, encounterID, requiredKinds)
	if err != nil {
		return CloseGateResult{}, err
	}
	have := make(map[documents.Kind]bool, len(existing))
	for _, k := range existing {
		have[k] = true
	}
	docsMissing := []string{}
	for _, k := range cfg.RequiredDocs {
		if !have[documents.Kind(k)] {
			docsMissing = append(docsMissing, k)
		}
	}

	rows, err := e.tasks.StatusesByCode(ctx, sc, encounterID, cfg.RequiredTasks)
	if err != nil {
		return CloseGateResult{}, err
	}
	best := make(map[string]task.Status, len(rows))
	for _, cs := range rows {
		prev, seen := best[cs.Code]
		if !seen || statusRank[cs.Status] > statusRank[prev] {
			best[cs.Code] = cs.Status
		}
	}
	// A required code with no task at all, or whose best status is not
	// DONE, blocks the gate.
	tasksOpen := []string{}
	for _, code := range cfg.RequiredTasks {
		if st, ok := best[code]; !ok || st != task.StatusDone {
			tasksOpen = append(tasksOpen, code)
		}
	}

	ok := len(docsMissing) == 0 && len(tasksOpen) == 0
	return CloseGateResult{OK: ok, CanClose: ok, DocsMissing: docsMissing, TasksOpen: tasksOpen}, nil
}

// CriticalAckBlocked reports whether an unacknowledged critical-result
// task blocks closing. Any non-DONE critical-result-ack row blocks.
func (e *Engine) CriticalAckBlocked(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (bool, error) {
	rows, err := e.tasks.StatusesByCode(ctx, sc, encounterID, []string{task.CodeCriticalResultAck})
	if err != nil {
		return false, err
	}
	for _, cs := range rows {
		if cs.Status != task.StatusDone {
			return true, nil
		}
	}
	return false, nil
}

// EnforceCriticalAckGate is the unconditional hard safety blocker used
// by the quick close path.
func (e *Engine) EnforceCriticalAckGate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) error {
	blocked, err := e.CriticalAckBlocked(ctx, sc, encounterID)
	if err != nil {
		return err
	}
	if !blocked {
		return nil
	}
	return apperr.Conflict("encounter close blocked by close-gate rules").WithDetails(map[string]interface{}{
		"ok":        false,
		"can_close": false,
		"missing": []interface{}{
			map[string]interface{}{"type": "CRITICAL_ACK", "open": []string{task.CodeCriticalResultAck}},
		},
	})
}

// EnforceCloseGate is the strict gate behind close-strict. On top of
// the advisory completeness check it applies the configured safety
// blockers and rejects with the full missing map.
func (e *Engine) EnforceCloseGate(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) error {
	cfg, err := e.LoadCloseGateConfig(ctx, sc)
	if err != nil {
		return err
	}
	r, err := e.checkWithConfig(ctx, sc, encounterID, cfg)
	if err != nil {
		return err
	}
	missing := r.MissingMap()
	ok := r.OK

	if cfg.BlockOnCriticalUnacked {
		blocked, err := e.CriticalAckBlocked(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if blocked {
			missing["CRITICAL_ACK"] = true
			ok = false
		}
	}
	if cfg.BlockOnUnverifiedLab {
		unverified, err := e.lab.HasUnverifiedResults(ctx, sc, encounterID)
		if err != nil {
			return err
		}
		if unverified {
			missing["UNVERIFIED_LAB_RESULTS"] = true
			ok = false
		}
	}
	if ok {
		return nil
	}

	// A blocked close is a business outcome, not a fault.
	e.logger.Info().
		Stringer("encounter_id", encounterID).
		Interface("missing", missing).
		Msg("encounter close blocked")
	return apperr.Conflict("encounter close blocked by close-gate rules").WithDetails(map[string]interface{}{
		"ok":        false,
		"can_close": false,
		"missing":   missing,
	})
}
