package router // package router registers the HTTP routes of the service

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/house-lottery/internal/config"
	"github.com/iliyamo/house-lottery/internal/handler"
	"github.com/iliyamo/house-lottery/internal/middleware"
	"github.com/iliyamo/house-lottery/internal/utils"
)

// RegisterRoutes registers the probes and the metrics endpoint.  None of
// them require authentication.
func RegisterRoutes(e *echo.Echo, gatherer prometheus.Gatherer, ready map[string]handler.Pinger) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(ready))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// RegisterInternal registers the reservation and inventory operations used
// by other services.  Every route requires a SERVICE token and passes the rate
// limiter; the limiter fails open when rdb is nil.
func RegisterInternal(e *echo.Echo, h *handler.ReservationHandler, inv *handler.InventoryHandler, jwtSecret string, rl config.RateLimitConfig, rdb *redis.Client) {
	g := e.Group("/v1/internal")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(utils.RoleService))
	g.Use(middleware.NewTokenBucket(rl, rdb))

	g.POST("/reservations/:id/process", h.Process)
	g.GET("/reservations/:id", h.Get)
	g.GET("/houses/:id/inventory", inv.Get)
}
