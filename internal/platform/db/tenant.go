package db

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

// SchemaForTenant maps a tenant id to its Postgres schema name.
func SchemaForTenant(tenantID uuid.UUID) string {
	return "tenant_" + strings.ReplaceAll(tenantID.String(), "-", "_")
}

// TenantMiddleware pins a pooled connection to the request and points its
// search_path at the tenant's schema. It must run after scope.Middleware.
func TenantMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			sc := scope.FromContext(ctx)
			if sc.IsZero() {
				return echo.NewHTTPError(http.StatusBadRequest, "request scope not resolved")
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			schema := SchemaForTenant(sc.TenantID)
			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", schema))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("db", conn)

			return next(c)
		}
	}
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// CreateTenantSchema creates a tenant's schema and runs all migrations
// against it. If migrationsDir is empty, migrations are skipped.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, migrationsDir string) error {
	schema := SchemaForTenant(tenantID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
