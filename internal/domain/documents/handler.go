package documents

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/auth"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// IdempotencyKeyHeader carries the client retry key for draft/finalize/amend.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "doctor", "nurse")

	g := api.Group("", role)
	g.POST("/encounters/:id/documents/draft", h.CreateDraft)
	g.GET("/encounters/:id/documents/latest", h.LatestDocuments)
	g.GET("/documents/:id", h.GetDocument)
	g.POST("/documents/:id/finalize", h.FinalizeDocument)
	g.POST("/documents/:id/amend", h.AmendDocument)
}

// keyFromRequest prefers the Idempotency-Key header, falling back to a
// body field extracted by the caller.
func keyFromRequest(c echo.Context, bodyKey *string) *string {
	if v := c.Request().Header.Get(IdempotencyKeyHeader); v != "" {
		return NormalizeKey(&v)
	}
	return NormalizeKey(bodyKey)
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

type draftRequest struct {
	PatientID      uuid.UUID              `json:"patient_id"`
	TemplateCode   string                 `json:"template_code"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey *string                `json:"idempotency_key"`
}

func (h *Handler) CreateDraft(c echo.Context) error {
	encounterID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid encounter id")
	}
	var req draftRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if req.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}

	ctx := c.Request().Context()
	doc, created, err := h.svc.CreateDraft(ctx, scope.FromContext(ctx), DraftParams{
		PatientID:      req.PatientID,
		EncounterID:    encounterID,
		TemplateCode:   req.TemplateCode,
		Payload:        req.Payload,
		CreatedBy:      auth.UserIDFromContext(ctx),
		IdempotencyKey: keyFromRequest(c, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	return c.JSON(createdStatus(created), doc)
}

type amendRequest struct {
	PayloadPatch   map[string]interface{} `json:"payload_patch"`
	IdempotencyKey *string                `json:"idempotency_key"`
}

func (h *Handler) FinalizeDocument(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid document id")
	}
	var req amendRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}

	ctx := c.Request().Context()
	doc, created, err := h.svc.Finalize(ctx, scope.FromContext(ctx), docID,
		auth.UserIDFromContext(ctx), keyFromRequest(c, req.IdempotencyKey))
	if err != nil {
		return err
	}
	return c.JSON(createdStatus(created), doc)
}

func (h *Handler) AmendDocument(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid document id")
	}
	var req amendRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}

	ctx := c.Request().Context()
	doc, created, err := h.svc.Amend(ctx, scope.FromContext(ctx), docID,
		req.PayloadPatch, auth.UserIDFromContext(ctx), keyFromRequest(c, req.IdempotencyKey))
	if err != nil {
		return err
	}
	return c.JSON(createdStatus(created), doc)
}

func (h *Handler) GetDocument(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid document id")
	}
	ctx := c.Request().Context()
	doc, err := h.svc.Get(ctx, scope.FromContext(ctx), docID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) LatestDocuments(c echo.Context) error {
	encounterID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid encounter id")
	}
	includeDrafts := c.QueryParam("include_drafts") == "true"

	ctx := c.Request().Context()
	docs, err := h.svc.Latest(ctx, scope.FromContext(ctx), encounterID, includeDrafts)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*ClinicalDocument{}
	}
	return c.JSON(http.StatusOK, docs)
}
