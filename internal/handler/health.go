package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-capacity/internal/service"
)

// Health is used by load balancers to check that the process is up.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// SweeperStatser reports expiry sweeper counters.
type SweeperStatser interface {
	Stats() service.SweeperStats
}

// SweeperStats returns a handler for GET /internal/sweeper.
func SweeperStats(s SweeperStatser) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.Stats())
	}
}
