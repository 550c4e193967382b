package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool section of the readiness report.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// Readiness is the body of GET /health/db.
type Readiness struct {
	Status            string     `json:"status"`
	Site              string     `json:"site"`
	PendingMigrations int        `json:"pending_migrations"`
	Pool              *PoolStats `json:"pool,omitempty"`
	Error             string     `json:"error,omitempty"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Pinger is the part of a pool the readiness check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PendingCounter reports how many migrations a schema is missing.
type PendingCounter interface {
	Pending(ctx context.Context, schema string) (int, error)
}

// HealthHandler reports whether the database is reachable and the default
// site schema carries every migration. A site with pending migrations cannot
// record rejections, so it is reported unready.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, defaultSite string) echo.HandlerFunc {
	return healthHandler(pool, migrator, defaultSite, func() *PoolStats { return poolStats(pool) })
}

func healthHandler(p Pinger, pc PendingCounter, site string, statsFn func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		r := Readiness{Status: "ready", Site: site, Pool: statsFn()}
		if err := p.Ping(ctx); err != nil {
			r.Status, r.Error = "unavailable", err.Error()
			return c.JSON(http.StatusServiceUnavailable, r)
		}

		n, err := pc.Pending(ctx, SiteSchema(site))
		switch {
		case err != nil:
			r.Status, r.Error = "unavailable", err.Error()
		case n > 0:
			r.Status, r.PendingMigrations = "migrations_pending", n
		default:
			return c.JSON(http.StatusOK, r)
		}
		return c.JSON(http.StatusServiceUnavailable, r)
	}
}
