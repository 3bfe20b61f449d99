package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

// errorCode names a domain error in response bodies.
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, model.ErrNoShardsAvailable):
		return "no_shards_available"
	case errors.Is(err, model.ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, model.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, model.ErrInvalidQuantity):
		return "invalid_quantity"
	default:
		return "invalid_request"
	}
}

// respondError maps a service error onto a status code.  Anything the
// domain does not recognize is logged in full and reported as a bare 500.
func respondError(c echo.Context, logger *zap.Logger, err error) error {
	switch {
	case model.IsConflict(err):
		return c.JSON(http.StatusConflict, echo.Map{"error": errorCode(err), "message": err.Error()})
	case model.IsNotFound(err):
		return c.JSON(http.StatusNotFound, echo.Map{"error": errorCode(err)})
	case model.IsInvalid(err):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": errorCode(err), "message": err.Error()})
	}
	logger.Error("request failed",
		zap.String("method", c.Request().Method),
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
