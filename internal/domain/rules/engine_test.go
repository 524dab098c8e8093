package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/task"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

type fakeRuleRepo struct {
	active map[string]*Rule
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{active: map[string]*Rule{}}
}

func (f *fakeRuleRepo) GetActive(ctx context.Context, sc scope.Scope, code string) (*Rule, error) {
	rl := f.active[code]
	if rl == nil || !rl.IsActive {
		return nil, nil
	}
	return rl, nil
}

func (f *fakeRuleRepo) Upsert(ctx context.Context, rl *Rule) (bool, error) {
	_, existed := f.active[rl.Code]
	f.active[rl.Code] = rl
	return !existed, nil
}

func (f *fakeRuleRepo) SetActive(ctx context.Context, sc scope.Scope, code string, active bool) (int, error) {
	rl, ok := f.active[code]
	if !ok {
		return 0, nil
	}
	rl.IsActive = active
	return 1, nil
}

func (f *fakeRuleRepo) List(ctx context.Context, sc scope.Scope, activeOnly bool) ([]*Rule, error) {
	var out []*Rule
	for _, rl := range f.active {
		if activeOnly && !rl.IsActive {
			continue
		}
		out = append(out, rl)
	}
	return out, nil
}

type fakeTaskStatuses struct {
	rows []task.CodeStatus
}

func (f *fakeTaskStatuses) StatusesByCode(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, codes []string) ([]task.CodeStatus, error) {
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var out []task.CodeStatus
	for _, cs := range f.rows {
		if want[cs.Code] {
			out = append(out, cs)
		}
	}
	return out, nil
}

type fakeDocKinds struct {
	kinds []documents.Kind
}

func (f *fakeDocKinds) ExistingKinds(ctx context.Context, sc scope.Scope, encounterID uuid.UUID, kinds []documents.Kind) ([]documents.Kind, error) {
	want := make(map[documents.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []documents.Kind
	for _, k := range f.kinds {
		if want[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeLab struct {
	unverified bool
}

func (f *fakeLab) HasUnverifiedResults(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) (bool, error) {
	return f.unverified, nil
}

type engineFixture struct {
	engine *Engine
	rules  *fakeRuleRepo
	tasks  *fakeTaskStatuses
	docs   *fakeDocKinds
	lab    *fakeLab
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		rules: newFakeRuleRepo(),
		tasks: &fakeTaskStatuses{},
		docs:  &fakeDocKinds{},
		lab:   &fakeLab{},
	}
	f.engine = NewEngine(f.rules, f.tasks, f.docs, f.lab, zerolog.Nop())
	return f
}

func testScope() scope.Scope {
	return scope.Scope{TenantID: uuid.New(), FacilityID: uuid.New()}
}

func done(code string) task.CodeStatus { return task.CodeStatus{Code: code, Status: task.StatusDone} }

func TestCheckCloseGate_EmptyEncounter(t *testing.T) {
	f := newEngineFixture()

	r, err := f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if r.OK || r.CanClose {
		t.Error("expected gate blocked on an empty encounter")
	}
	if len(r.DocsMissing) != 3 {
		t.Errorf("docs missing = %v", r.DocsMissing)
	}
	if len(r.TasksOpen) != 2 {
		t.Errorf("tasks open = %v", r.TasksOpen)
	}
}

func TestCheckCloseGate_Complete(t *testing.T) {
	f := newEngineFixture()
	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	f.tasks.rows = []task.CodeStatus{done(task.CodeRecordVitals), done(task.CodeDoctorConsult)}

	r, err := f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if !r.OK || !r.CanClose {
		t.Errorf("result = %+v, want ok", r)
	}
	if len(r.DocsMissing) != 0 || len(r.TasksOpen) != 0 {
		t.Errorf("missing = %v / %v", r.DocsMissing, r.TasksOpen)
	}
}

func TestCheckCloseGate_NotDoneCountsAsOpen(t *testing.T) {
	f := newEngineFixture()
	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	f.tasks.rows = []task.CodeStatus{
		done(task.CodeRecordVitals),
		{Code: task.CodeDoctorConsult, Status: task.StatusInProgress},
	}

	r, err := f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if r.OK {
		t.Error("expected gate blocked")
	}
	if len(r.TasksOpen) != 1 || r.TasksOpen[0] != task.CodeDoctorConsult {
		t.Errorf("tasks open = %v", r.TasksOpen)
	}
}

func TestCheckCloseGate_DuplicateRowsRankResolution(t *testing.T) {
	f := newEngineFixture()
	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	// Duplicate rows for the same code: the DONE row wins over OPEN.
	f.tasks.rows = []task.CodeStatus{
		{Code: task.CodeRecordVitals, Status: task.StatusOpen},
		done(task.CodeRecordVitals),
		done(task.CodeDoctorConsult),
	}

	r, err := f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if !r.OK {
		t.Errorf("result = %+v, want DONE to win over a duplicate OPEN row", r)
	}

	// CANCELLED outranks IN_PROGRESS but still is not DONE, so the
	// code stays open.
	f.tasks.rows = []task.CodeStatus{
		{Code: task.CodeRecordVitals, Status: task.StatusInProgress},
		{Code: task.CodeRecordVitals, Status: task.StatusCancelled},
		done(task.CodeDoctorConsult),
	}
	r, err = f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if r.OK || len(r.TasksOpen) != 1 || r.TasksOpen[0] != task.CodeRecordVitals {
		t.Errorf("result = %+v, want record-vitals open", r)
	}
}

func TestCheckCloseGate_RuleConfigOverridesDefaults(t *testing.T) {
	f := newEngineFixture()
	f.rules.active[CloseGateRuleCode] = &Rule{
		Code:     CloseGateRuleCode,
		IsActive: true,
		Config: map[string]interface{}{
			"required_tasks": []interface{}{"triage"},
			"required_docs":  []interface{}{"NOTE"},
		},
	}
	f.docs.kinds = []documents.Kind{documents.KindNote}
	f.tasks.rows = []task.CodeStatus{done("triage")}

	r, err := f.engine.CheckCloseGate(context.Background(), testScope(), uuid.New())
	if err != nil {
		t.Fatalf("CheckCloseGate: %v", err)
	}
	if !r.OK {
		t.Errorf("result = %+v, want rule config to drive the gate", r)
	}
}

func TestEnforceCriticalAckGate(t *testing.T) {
	f := newEngineFixture()
	sc := testScope()
	encID := uuid.New()
	ctx := context.Background()

	if err := f.engine.EnforceCriticalAckGate(ctx, sc, encID); err != nil {
		t.Fatalf("no ack task should pass: %v", err)
	}

	f.tasks.rows = []task.CodeStatus{{Code: task.CodeCriticalResultAck, Status: task.StatusOpen}}
	err := f.engine.EnforceCriticalAckGate(ctx, sc, encID)
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected *apperr.Error")
	}
	if ae.Details["can_close"] != false {
		t.Errorf("details = %v", ae.Details)
	}

	f.tasks.rows = []task.CodeStatus{done(task.CodeCriticalResultAck)}
	if err := f.engine.EnforceCriticalAckGate(ctx, sc, encID); err != nil {
		t.Fatalf("acked task should pass: %v", err)
	}
}

func TestEnforceCloseGate_FoldsSafetyBlockers(t *testing.T) {
	f := newEngineFixture()
	sc := testScope()
	encID := uuid.New()
	ctx := context.Background()

	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	f.tasks.rows = []task.CodeStatus{
		done(task.CodeRecordVitals),
		done(task.CodeDoctorConsult),
		{Code: task.CodeCriticalResultAck, Status: task.StatusOpen},
	}

	err := f.engine.EnforceCloseGate(ctx, sc, encID)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want conflict with details", err)
	}
	missing, ok := ae.Details["missing"].(map[string]interface{})
	if !ok {
		t.Fatalf("details = %v", ae.Details)
	}
	if missing["CRITICAL_ACK"] != true {
		t.Errorf("missing = %v, want CRITICAL_ACK flagged", missing)
	}
}

func TestEnforceCloseGate_UnverifiedLab(t *testing.T) {
	f := newEngineFixture()
	sc := testScope()
	encID := uuid.New()
	ctx := context.Background()

	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	f.tasks.rows = []task.CodeStatus{done(task.CodeRecordVitals), done(task.CodeDoctorConsult)}
	f.lab.unverified = true

	// Lab blocking is off by default.
	if err := f.engine.EnforceCloseGate(ctx, sc, encID); err != nil {
		t.Fatalf("lab blocking disabled by default: %v", err)
	}

	cfg := DefaultCloseGateConfig()
	cfg.BlockOnUnverifiedLab = true
	f.rules.active[CloseGateRuleCode] = &Rule{Code: CloseGateRuleCode, IsActive: true, Config: cfg.ConfigMap()}

	err := f.engine.EnforceCloseGate(ctx, sc, encID)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want conflict", err)
	}
	missing := ae.Details["missing"].(map[string]interface{})
	if missing["UNVERIFIED_LAB_RESULTS"] != true {
		t.Errorf("missing = %v", missing)
	}
}

func TestEnforceCloseGate_PassesWhenComplete(t *testing.T) {
	f := newEngineFixture()
	f.docs.kinds = []documents.Kind{documents.KindVitals, documents.KindAssessment, documents.KindPlan}
	f.tasks.rows = []task.CodeStatus{done(task.CodeRecordVitals), done(task.CodeDoctorConsult)}

	if err := f.engine.EnforceCloseGate(context.Background(), testScope(), uuid.New()); err != nil {
		t.Fatalf("EnforceCloseGate: %v", err)
	}
}

func TestCloseGateConfigFromRule(t *testing.T) {
	cfg := CloseGateConfigFromRule(nil)
	if len(cfg.RequiredTasks) != 2 || len(cfg.RequiredDocs) != 3 {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.BlockOnCriticalUnacked || cfg.BlockOnUnverifiedLab {
		t.Errorf("default flags = %+v", cfg)
	}

	// Empty lists fall back to defaults; explicit flags stick.
	cfg = CloseGateConfigFromRule(&Rule{Config: map[string]interface{}{
		"required_tasks":            []interface{}{},
		"block_on_critical_unacked": false,
	}})
	if len(cfg.RequiredTasks) != 2 {
		t.Errorf("empty list should fall back, got %v", cfg.RequiredTasks)
	}
	if cfg.BlockOnCriticalUnacked {
		t.Error("explicit false should stick")
	}
}
