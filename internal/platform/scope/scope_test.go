package scope

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type denyAll struct{}

func (denyAll) IsMember(ctx context.Context, userID string, sc Scope) (bool, error) {
	return false, nil
}

func doRequest(t *testing.T, checker MembershipChecker, tenant, facility string) (*httptest.ResponseRecorder, Scope) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	if facility != "" {
		req.Header.Set(FacilityHeader, facility)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var captured Scope
	handler := Middleware(checker)(func(c echo.Context) error {
		captured = FromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, captured
}

func TestMiddlewareStoresScope(t *testing.T) {
	tenant := uuid.New()
	facility := uuid.New()

	rec, captured := doRequest(t, AllowAll{}, tenant.String(), facility.String())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured.TenantID != tenant || captured.FacilityID != facility {
		t.Fatalf("scope = %+v, want tenant %s facility %s", captured, tenant, facility)
	}
}

func TestMiddlewareRejectsBadIdentifiers(t *testing.T) {
	cases := []struct {
		name     string
		tenant   string
		facility string
	}{
		{"missing tenant", "", uuid.NewString()},
		{"missing facility", uuid.NewString(), ""},
		{"malformed tenant", "not-a-uuid", uuid.NewString()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doRequest(t, AllowAll{}, tc.tenant, tc.facility)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestMiddlewareEnforcesMembership(t *testing.T) {
	rec, _ := doRequest(t, denyAll{}, uuid.NewString(), uuid.NewString())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestFromContextZeroWhenAbsent(t *testing.T) {
	if sc := FromContext(context.Background()); !sc.IsZero() {
		t.Fatalf("expected zero scope, got %+v", sc)
	}
}
