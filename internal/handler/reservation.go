package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/middleware"
	"github.com/iliyamo/ticket-capacity/internal/model"
)

// ReservationAPI is the part of the reservation engine exposed over HTTP.
type ReservationAPI interface {
	CreateReservation(ctx context.Context, slot model.Slot, reqs []model.TicketRequest) (*model.ReservationResult, error)
	ConfirmPayment(ctx context.Context, id int64, paymentRef string) (*model.ReservationResult, error)
	GetReservation(ctx context.Context, id int64) (*model.ReservationResult, error)
	CancelReservation(ctx context.Context, id int64) (*model.ReservationResult, error)
	Availability(ctx context.Context, slot model.Slot) (*model.Availability, error)
}

// ReservationHandler serves the reservation endpoints.  It only parses
// and maps: every rule about capacity and state lives behind ReservationAPI.
type ReservationHandler struct {
	svc    ReservationAPI
	logger *zap.Logger
}

// NewReservationHandler panics on a nil service.
func NewReservationHandler(svc ReservationAPI, logger *zap.Logger) *ReservationHandler {
	if svc == nil {
		panic("nil reservation service passed to NewReservationHandler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationHandler{svc: svc, logger: logger.Named("http")}
}

type createReservationRequest struct {
	Tickets []model.TicketRequest `json:"tickets"`
}

type confirmPaymentRequest struct {
	PaymentReference string `json:"paymentReference"`
}

// Create handles POST /v1/events/:eventId/:date/:startTime/reservations.
// It answers 201 with the pending reservation, 409 when capacity ran out
// and 400 for malformed input.
func (h *ReservationHandler) Create(c echo.Context) error {
	slot, err := slotParam(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	var body createReservationRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": "invalid request body"})
	}
	res, err := h.svc.CreateReservation(c.Request().Context(), slot, body.Tickets)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Confirm handles POST /v1/reservations/:id/confirm.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": "invalid reservation id"})
	}
	var body confirmPaymentRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": "invalid request body"})
	}
	res, err := h.svc.ConfirmPayment(c.Request().Context(), id, body.PaymentReference)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if ps, _ := c.Get(middleware.PaymentSystemKey).(string); ps != "" {
		h.logger.Info("payment confirmed", zap.Int64("reservation_id", id), zap.String("payment_system", ps))
	}
	return c.JSON(http.StatusOK, res)
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": "invalid reservation id"})
	}
	res, err := h.svc.GetReservation(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Cancel handles DELETE /v1/reservations/:id.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": "invalid reservation id"})
	}
	res, err := h.svc.CancelReservation(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, res)
}

func idParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func slotParam(c echo.Context) (model.Slot, error) {
	eventID, err := strconv.ParseInt(c.Param("eventId"), 10, 64)
	if err != nil {
		eventID = 0
	}
	return model.ParseSlot(eventID, c.Param("date"), c.Param("startTime"))
}
