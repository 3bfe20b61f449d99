package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Availability handles GET /v1/events/:eventId/:date/:startTime/availability.
// The numbers may trail recent admissions by a couple of seconds.
func (h *ReservationHandler) Availability(c echo.Context) error {
	slot, err := slotParam(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	av, err := h.svc.Availability(c.Request().Context(), slot)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, av)
}
