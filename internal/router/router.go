// Package router registers the HTTP routes on an echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/config"
	"github.com/iliyamo/ticket-capacity/internal/handler"
	"github.com/iliyamo/ticket-capacity/internal/middleware"
)

// RegisterRoutes registers routes that need no dependencies.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// Guards configures the middleware in front of the reservation routes.
type Guards struct {
	RateLimit        config.RateLimitConfig
	Redis            *redis.Client // nil disables rate limiting
	PaymentJWTSecret string        // empty disables the payment guard
	Logger           *zap.Logger
}

// RegisterReservations registers the reservation API under /v1.  Creation
// is rate limited; confirmation requires a payment provider token.
func RegisterReservations(e *echo.Echo, h *handler.ReservationHandler, g Guards) {
	v1 := e.Group("/v1")

	v1.POST("/events/:eventId/:date/:startTime/reservations", h.Create,
		middleware.NewTokenBucket(g.RateLimit, g.Redis, g.Logger))
	v1.GET("/events/:eventId/:date/:startTime/availability", h.Availability)

	v1.POST("/reservations/:id/confirm", h.Confirm, middleware.PaymentAuth(g.PaymentJWTSecret))
	v1.GET("/reservations/:id", h.Get)
	v1.DELETE("/reservations/:id", h.Cancel)
}

// RegisterInternal registers operational endpoints.
func RegisterInternal(e *echo.Echo, sweeper handler.SweeperStatser) {
	e.GET("/internal/sweeper", handler.SweeperStats(sweeper))
}
