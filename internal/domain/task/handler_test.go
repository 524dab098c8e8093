package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

func newTestHandler() (*Handler, *Service, scope.Scope, *echo.Echo) {
	svc, _, _ := newTestService()
	sc := testScope()
	return NewHandler(svc), svc, sc, echo.New()
}

func newScopedContext(e *echo.Echo, sc scope.Scope, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(scope.WithScope(req.Context(), sc))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestCreateTaskHandler(t *testing.T) {
	h, _, sc, e := newTestHandler()
	encID := uuid.New()

	body := `{"encounter_id":"` + encID.String() + `","code":"record-vitals","title":"Record Vitals"}`
	c, rec := newScopedContext(e, sc, http.MethodPost, "/api/v1/tasks", body)

	if err := h.CreateTask(c); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}

	var got Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Code != "record-vitals" || got.Status != StatusOpen {
		t.Errorf("task = %+v", got)
	}
}

func TestCreateTaskHandler_RequiresEncounterID(t *testing.T) {
	h, _, sc, e := newTestHandler()

	c, _ := newScopedContext(e, sc, http.MethodPost, "/api/v1/tasks", `{"code":"record-vitals"}`)
	err := h.CreateTask(c)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestGetTaskHandler(t *testing.T) {
	h, svc, sc, e := newTestHandler()
	tk, _ := svc.Create(context.Background(), sc, CreateParams{
		EncounterID: uuid.New(), Code: "record-vitals", Title: "Record Vitals",
	})

	c, rec := newScopedContext(e, sc, http.MethodGet, "/api/v1/tasks/"+tk.ID.String(), "")
	c.SetParamNames("id")
	c.SetParamValues(tk.ID.String())

	if err := h.GetTask(c); err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestGetTaskHandler_InvalidID(t *testing.T) {
	h, _, sc, e := newTestHandler()

	c, _ := newScopedContext(e, sc, http.MethodGet, "/api/v1/tasks/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")

	err := h.GetTask(c)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestGetTaskHandler_NotFound(t *testing.T) {
	h, _, sc, e := newTestHandler()

	id := uuid.New()
	c, _ := newScopedContext(e, sc, http.MethodGet, "/api/v1/tasks/"+id.String(), "")
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	err := h.GetTask(c)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("kind = %s, want not_found", apperr.KindOf(err))
	}
}

func TestListTasksHandler_FiltersByStatus(t *testing.T) {
	h, svc, sc, e := newTestHandler()
	encID := uuid.New()
	ctx := context.Background()

	open, _ := svc.Create(ctx, sc, CreateParams{EncounterID: encID, Code: "record-vitals", Title: "Record Vitals"})
	other, _ := svc.Create(ctx, sc, CreateParams{EncounterID: encID, Code: "doctor-consult", Title: "Doctor Consultation"})
	svc.Start(ctx, sc, other.ID)

	c, rec := newScopedContext(e, sc, http.MethodGet, "/api/v1/tasks?status=OPEN&encounter_id="+encID.String(), "")

	if err := h.ListTasks(c); err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data  []Task `json:"data"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Fatalf("total = %d, items = %d, want 1", resp.Total, len(resp.Data))
	}
	if resp.Data[0].ID != open.ID {
		t.Errorf("wrong task returned: %s", resp.Data[0].ID)
	}
}

func TestListTasksHandler_RejectsBadStatus(t *testing.T) {
	h, _, sc, e := newTestHandler()

	c, _ := newScopedContext(e, sc, http.MethodGet, "/api/v1/tasks?status=WAITING", "")
	err := h.ListTasks(c)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestAssignTaskHandler(t *testing.T) {
	h, svc, sc, e := newTestHandler()
	ctx := context.Background()
	tk, _ := svc.Create(ctx, sc, CreateParams{EncounterID: uuid.New(), Code: "record-vitals", Title: "Record Vitals"})

	c, rec := newScopedContext(e, sc, http.MethodPost, "/api/v1/tasks/"+tk.ID.String()+"/assign", `{"assignee":"nurse-amy"}`)
	c.SetParamNames("id")
	c.SetParamValues(tk.ID.String())

	if err := h.AssignTask(c); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	var got Task
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.AssignedTo == nil || *got.AssignedTo != "nurse-amy" {
		t.Errorf("assigned_to = %v", got.AssignedTo)
	}
}

func TestTaskWorkflowHandlers(t *testing.T) {
	h, svc, sc, e := newTestHandler()
	ctx := context.Background()
	tk, _ := svc.Create(ctx, sc, CreateParams{EncounterID: uuid.New(), Code: "record-vitals", Title: "Record Vitals"})

	call := func(fn func(echo.Context) error, action, body string) (*httptest.ResponseRecorder, error) {
		c, rec := newScopedContext(e, sc, http.MethodPost, "/api/v1/tasks/"+tk.ID.String()+"/"+action, body)
		c.SetParamNames("id")
		c.SetParamValues(tk.ID.String())
		return rec, fn(c)
	}

	rec, err := call(h.StartTask, "start", "")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	var started Task
	json.Unmarshal(rec.Body.Bytes(), &started)
	if started.Status != StatusInProgress {
		t.Errorf("status after start = %s", started.Status)
	}

	rec, err = call(h.CompleteTask, "complete", "{}")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	var done Task
	json.Unmarshal(rec.Body.Bytes(), &done)
	if done.Status != StatusDone || done.CompletedAt == nil {
		t.Errorf("status after complete = %s, completed_at = %v", done.Status, done.CompletedAt)
	}

	rec, err = call(h.ReopenTask, "reopen", "")
	if err != nil {
		t.Fatalf("ReopenTask: %v", err)
	}
	var reopened Task
	json.Unmarshal(rec.Body.Bytes(), &reopened)
	if reopened.Status != StatusInProgress {
		t.Errorf("status after reopen = %s", reopened.Status)
	}

	rec, err = call(h.CancelTask, "cancel", "")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	var cancelled Task
	json.Unmarshal(rec.Body.Bytes(), &cancelled)
	if cancelled.Status != StatusCancelled {
		t.Errorf("status after cancel = %s", cancelled.Status)
	}
}

func TestStartTaskHandler_Conflict(t *testing.T) {
	h, svc, sc, e := newTestHandler()
	ctx := context.Background()
	tk, _ := svc.Create(ctx, sc, CreateParams{EncounterID: uuid.New(), Code: "record-vitals", Title: "Record Vitals"})
	svc.Start(ctx, sc, tk.ID)

	c, _ := newScopedContext(e, sc, http.MethodPost, "/api/v1/tasks/"+tk.ID.String()+"/start", "")
	c.SetParamNames("id")
	c.SetParamValues(tk.ID.String())

	err := h.StartTask(c)
	if !apperr.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}
