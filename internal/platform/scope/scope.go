// Package scope carries the (tenant, facility) pair every domain row and
// query is keyed by. Membership resolution lives outside this service; the
// middleware only validates identifiers and consults an injected checker.
package scope

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const scopeKey contextKey = "request_scope"

const (
	TenantHeader   = "X-Tenant-ID"
	FacilityHeader = "X-Facility-ID"
)

// Scope identifies the tenant and facility a request operates in.
type Scope struct {
	TenantID   uuid.UUID
	FacilityID uuid.UUID
}

func (s Scope) IsZero() bool {
	return s.TenantID == uuid.Nil && s.FacilityID == uuid.Nil
}

// MembershipChecker answers whether a user may act within a facility.
// The identity platform implements this; the default allows everything
// and is only suitable for development.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID string, sc Scope) (bool, error)
}

// AllowAll is the development checker.
type AllowAll struct{}

func (AllowAll) IsMember(ctx context.Context, userID string, sc Scope) (bool, error) {
	return true, nil
}

// FromContext retrieves the request scope. The zero Scope means no
// middleware ran, which only happens in tests that build contexts by hand.
func FromContext(ctx context.Context) Scope {
	sc, _ := ctx.Value(scopeKey).(Scope)
	return sc
}

// WithScope returns a context carrying the given scope.
func WithScope(ctx context.Context, sc Scope) context.Context {
	return context.WithValue(ctx, scopeKey, sc)
}

// Middleware extracts and validates the tenant and facility identifiers,
// checks membership for the authenticated user, and stores the scope in
// the request context.
func Middleware(checker MembershipChecker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := headerUUID(c, TenantHeader)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid or missing "+TenantHeader)
			}
			facilityID, err := headerUUID(c, FacilityHeader)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid or missing "+FacilityHeader)
			}

			sc := Scope{TenantID: tenantID, FacilityID: facilityID}

			userID, _ := c.Get("user_id").(string)
			ok, err := checker.IsMember(c.Request().Context(), userID, sc)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "membership check failed")
			}
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "not a member of this facility")
			}

			ctx := WithScope(c.Request().Context(), sc)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID.String())
			c.Set("facility_id", facilityID.String())
			return next(c)
		}
	}
}

func headerUUID(c echo.Context, header string) (uuid.UUID, error) {
	return uuid.Parse(c.Request().Header.Get(header))
}
