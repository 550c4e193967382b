package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SiteIDKey contextKey = "site_id"
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

// SiteHeader carries the laboratory site a request is scoped to.
const SiteHeader = "X-Lab-Site"

var siteIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SiteSchema returns the schema holding the data of a laboratory site.
func SiteSchema(siteID string) string {
	return "site_" + siteID
}

// SiteMiddleware acquires a connection per request and points its search_path
// at the schema of the request's laboratory site.
func SiteMiddleware(pool *pgxpool.Pool, defaultSite string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			siteID := extractSiteID(c, defaultSite)

			if !siteIDPattern.MatchString(siteID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid site identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SiteSchema(siteID)))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "site resolution failed")
			}

			ctx = context.WithValue(ctx, SiteIDKey, siteID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("site_id", siteID)

			return next(c)
		}
	}
}

func extractSiteID(c echo.Context, defaultSite string) string {
	// 1. JWT claim (set by auth middleware)
	if sid, ok := c.Get("jwt_site_id").(string); ok && sid != "" {
		return sid
	}

	// 2. X-Lab-Site header
	if sid := c.Request().Header.Get(SiteHeader); sid != "" {
		return sid
	}

	// 3. Query parameter
	if sid := c.QueryParam("site_id"); sid != "" {
		return sid
	}

	return defaultSite
}

// ConnFromContext retrieves the site-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// SiteFromContext retrieves the site ID from context.
func SiteFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SiteIDKey).(string)
	return sid
}

// CreateSiteSchema creates the schema for a laboratory site and runs all
// migrations in migrations against it. A nil migrations skips them.
func CreateSiteSchema(ctx context.Context, pool *pgxpool.Pool, siteID string, migrations fs.FS) error {
	if !siteIDPattern.MatchString(siteID) {
		return fmt.Errorf("invalid site identifier: %s", siteID)
	}

	schema := SiteSchema(siteID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		migrator := NewMigratorFS(pool, migrations)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
