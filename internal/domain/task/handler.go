package task

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/auth"
	"github.com/hmcore/hmcore/internal/platform/scope"
	"github.com/hmcore/hmcore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "doctor", "nurse")

	g := api.Group("", role)
	g.GET("/tasks", h.ListTasks)
	g.GET("/tasks/:id", h.GetTask)
	g.POST("/tasks", h.CreateTask)
	g.POST("/tasks/:id/assign", h.AssignTask)
	g.POST("/tasks/:id/unassign", h.UnassignTask)
	g.POST("/tasks/:id/start", h.StartTask)
	g.POST("/tasks/:id/complete", h.CompleteTask)
	g.POST("/tasks/:id/reopen", h.ReopenTask)
	g.POST("/tasks/:id/cancel", h.CancelTask)
}

type createRequest struct {
	EncounterID uuid.UUID  `json:"encounter_id"`
	Code        string     `json:"code"`
	Title       string     `json:"title"`
	AssignedTo  *string    `json:"assigned_to"`
	DueAt       *time.Time `json:"due_at"`
}

func (h *Handler) CreateTask(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if req.EncounterID == uuid.Nil {
		return apperr.Validation("encounter_id is required")
	}

	t, err := h.svc.Create(c.Request().Context(), scope.FromContext(c.Request().Context()), CreateParams{
		EncounterID: req.EncounterID,
		Code:        req.Code,
		Title:       req.Title,
		AssignedTo:  req.AssignedTo,
		DueAt:       req.DueAt,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	t, err := h.svc.Get(c.Request().Context(), scope.FromContext(c.Request().Context()), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTasks(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var f Filter
	if v := c.QueryParam("encounter_id"); v != "" {
		eid, err := uuid.Parse(v)
		if err != nil {
			return apperr.Validation("invalid encounter_id")
		}
		f.EncounterID = &eid
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		switch st {
		case StatusOpen, StatusInProgress, StatusDone, StatusCancelled:
			f.Status = st
		default:
			return apperr.Validation("invalid status")
		}
	}
	if v := c.QueryParam("assigned_to"); v != "" {
		f.AssignedTo = &v
	}
	if c.QueryParam("mine") == "true" {
		userID := auth.UserIDFromContext(ctx)
		if userID == "" {
			return apperr.Validation("mine filter requires an authenticated user")
		}
		f.AssignedTo = &userID
	}
	if v := c.QueryParam("due_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Validation("invalid due_after")
		}
		f.DueAfter = &ts
	}
	if v := c.QueryParam("due_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Validation("invalid due_before")
		}
		f.DueBefore = &ts
	}
	f.OverdueOnly = c.QueryParam("overdue") == "true"
	f.OrderByDue = c.QueryParam("order") == "due"

	items, total, err := h.svc.List(ctx, scope.FromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (h *Handler) AssignTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	t, err := h.svc.Assign(c.Request().Context(), scope.FromContext(c.Request().Context()), id, req.Assignee)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) UnassignTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	t, err := h.svc.Unassign(c.Request().Context(), scope.FromContext(c.Request().Context()), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) StartTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	t, err := h.svc.Start(c.Request().Context(), scope.FromContext(c.Request().Context()), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

type completeRequest struct {
	CompletedAt *time.Time `json:"completed_at"`
}

func (h *Handler) CompleteTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	t, err := h.svc.Complete(c.Request().Context(), scope.FromContext(c.Request().Context()), id, req.CompletedAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ReopenTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	t, err := h.svc.Reopen(c.Request().Context(), scope.FromContext(c.Request().Context()), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CancelTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid task id")
	}
	t, err := h.svc.Cancel(c.Request().Context(), scope.FromContext(c.Request().Context()), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}
