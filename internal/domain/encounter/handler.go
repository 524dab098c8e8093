package encounter

import (
	"context"
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

	g := api.Group("/encounters", role)
	g.GET("", h.ListEncounters)
	g.POST("", h.CreateEncounter)
	g.GET("/:id", h.GetEncounter)
	g.POST("/:id/checkin", h.CheckIn)
	g.POST("/:id/start-consult", h.StartConsult)
	g.POST("/:id/vitals", h.RecordVitals)
	g.POST("/:id/assessment", h.SaveAssessment)
	g.POST("/:id/plan", h.SavePlan)
	g.GET("/:id/close-gate", h.CloseGate)
	g.POST("/:id/close", h.Close)
	g.POST("/:id/close-strict", h.CloseStrict)
	g.POST("/:id/cancel", h.Cancel)
	g.GET("/:id/timeline", h.Timeline)
}

func encounterID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid encounter id")
	}
	return id, nil
}

type createEncounterRequest struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	Reason          string     `json:"reason"`
	AttendingDoctor *string    `json:"attending_doctor"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	var req createEncounterRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if req.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}

	ctx := c.Request().Context()
	enc, err := h.svc.Create(ctx, scope.FromContext(ctx), CreateParams{
		PatientID:       req.PatientID,
		Reason:          req.Reason,
		AttendingDoctor: req.AttendingDoctor,
		ScheduledAt:     req.ScheduledAt,
		CreatedBy:       auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	var f Filter

	patient := c.QueryParam("patient")
	if patient == "" {
		patient = c.QueryParam("patient_id")
	}
	if patient != "" {
		id, err := uuid.Parse(patient)
		if err != nil {
			return apperr.Validation("invalid patient id")
		}
		f.PatientID = &id
	}
	if st := c.QueryParam("status"); st != "" {
		switch Status(st) {
		case StatusCreated, StatusCheckedIn, StatusInConsult, StatusClosed, StatusCancelled:
			f.Status = Status(st)
		default:
			return apperr.Validation("invalid status filter")
		}
	}

	ctx := c.Request().Context()
	p := pagination.FromContext(c)
	encs, total, err := h.svc.List(ctx, scope.FromContext(ctx), f, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if encs == nil {
		encs = []*Encounter{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(encs, total, p.Limit, p.Offset))
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.Get(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.CheckIn(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) StartConsult(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.StartConsult(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

// bindContent accepts either a {"content": {...}} envelope or the bare
// payload object.
func bindContent(c echo.Context) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := c.Bind(&raw); err != nil {
		return nil, apperr.Validation("invalid request body")
	}
	if inner, ok := raw["content"].(map[string]interface{}); ok {
		return inner, nil
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return raw, nil
}

func (h *Handler) RecordVitals(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	content, err := bindContent(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	doc, err := h.svc.RecordVitals(ctx, scope.FromContext(ctx), id, content, userPtr(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) SaveAssessment(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	content, err := bindContent(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	doc, err := h.svc.SaveAssessment(ctx, scope.FromContext(ctx), id, content, userPtr(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) SavePlan(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	content, err := bindContent(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	doc, err := h.svc.SavePlan(ctx, scope.FromContext(ctx), id, content, userPtr(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) CloseGate(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	payload, err := h.svc.GetCloseGate(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) Close(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.Close(ctx, scope.FromContext(ctx), id, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) CloseStrict(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.CloseStrict(ctx, scope.FromContext(ctx), id, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	enc, err := h.svc.Cancel(ctx, scope.FromContext(ctx), id, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Timeline(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	payload, err := h.svc.Timeline(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

// userPtr returns the acting user id as a nullable authored-by value.
func userPtr(ctx context.Context) *string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return &uid
	}
	return nil
}
