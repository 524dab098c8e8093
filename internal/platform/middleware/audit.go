package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/platform/auth"
)

// AuditEntry captures who accessed what, when, from where, and the action
// type. Encounter records are PHI, so every API access is logged.
type AuditEntry struct {
	UserID      string
	UserRoles   []string
	Resource    string
	EncounterID string
	Action      string // read, create, update, delete
	IPAddress   string
	UserAgent   string
	Path        string
	Method      string
	Timestamp   time.Time
	RequestID   string
	StatusCode  int
}

// AuditRecorder persists audit entries. This decouples the middleware from
// a concrete store so tests can provide a mock implementation.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns middleware that logs access to /api/v1/* routes: the
// authenticated user, the resource touched, and the response status.
// If no AuditRecorder is provided it falls back to structured logging only.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			// Execute the handler first so we capture the response status.
			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
			}

			ctx := req.Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)

			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			entry.Action = httpMethodToAction(req.Method)
			entry.Resource = extractResource(path)
			entry.EncounterID = extractEncounterID(path)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("encounter_id", entry.EncounterID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource parses the resource collection from a URL path, e.g.
// /api/v1/encounters/123/tasks -> encounters.
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

// extractEncounterID finds the encounter identifier in paths shaped
// /api/v1/encounters/<uuid>/...
func extractEncounterID(path string) string {
	if !strings.HasPrefix(path, "/api/v1/encounters/") {
		return ""
	}
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/encounters/"), "/")
	if len(segments) > 0 {
		if _, err := uuid.Parse(segments[0]); err == nil {
			return segments[0]
		}
	}
	return ""
}
