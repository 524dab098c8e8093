package webhook

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
	"github.com/hmcore/hmcore/pkg/pagination"
)

// Handler exposes subscription management. It is mounted behind the
// admin role gate; the scope middleware has already resolved the tenant
// and facility.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.CreateSubscription)
	g.GET("", h.ListSubscriptions)
	g.GET("/:id", h.GetSubscription)
	g.PUT("/:id", h.UpdateSubscription)
	g.DELETE("/:id", h.DeleteSubscription)
	g.POST("/:id/ping", h.PingSubscription)
	g.GET("/:id/deliveries", h.ListDeliveries)
	g.POST("/:id/pause", h.PauseSubscription)
	g.POST("/:id/resume", h.ResumeSubscription)
	g.POST("/deliveries/:id/retry", h.RetryDelivery)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id")
	}
	return id, nil
}

type createSubscriptionRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handler) CreateSubscription(c echo.Context) error {
	var req createSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	sub, err := h.manager.Register(ctx, scope.FromContext(ctx), req.URL, req.Secret, req.Events)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	p := pagination.FromContext(c)
	ctx := c.Request().Context()
	subs, total, err := h.manager.List(ctx, scope.FromContext(ctx), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(subs, total, p.Limit, p.Offset))
}

func (h *Handler) GetSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := h.manager.Get(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

type updateSubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

func (h *Handler) UpdateSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	sub, err := h.manager.Update(ctx, scope.FromContext(ctx), id, UpdateParams{
		URL:    req.URL,
		Events: req.Events,
		Active: req.Active,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) DeleteSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Unregister(ctx, scope.FromContext(ctx), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PingSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.manager.Ping(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	ctx := c.Request().Context()
	deliveries, total, err := h.manager.Deliveries(ctx, scope.FromContext(ctx), id, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(deliveries, total, p.Limit, p.Offset))
}

func (h *Handler) PauseSubscription(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *Handler) ResumeSubscription(c echo.Context) error {
	return h.setActive(c, true)
}

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	var sub *Subscription
	if active {
		sub, err = h.manager.Resume(ctx, scope.FromContext(ctx), id)
	} else {
		sub, err = h.manager.Pause(ctx, scope.FromContext(ctx), id)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) RetryDelivery(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.manager.Retry(ctx, scope.FromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
