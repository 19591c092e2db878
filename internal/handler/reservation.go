package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/house-lottery/internal/fulfillment"
	"github.com/iliyamo/house-lottery/internal/middleware"
	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/obs"
	"github.com/iliyamo/house-lottery/internal/repository"
)

// ReservationProcessor runs the fulfillment saga.
type ReservationProcessor interface {
	ProcessReservation(ctx context.Context, reservationID string) fulfillment.Result
}

// ReservationReader loads reservations and their tickets.
type ReservationReader interface {
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	TicketsByReservation(ctx context.Context, reservationID string) ([]model.Ticket, error)
}

// ReservationHandler exposes the saga to internal callers.  All routes
// assume JWTAuth and RequireRole(SERVICE) already ran.
type ReservationHandler struct {
	Processor ReservationProcessor
	Reader    ReservationReader
}

// NewReservationHandler panics when a dependency is nil.
func NewReservationHandler(p ReservationProcessor, r ReservationReader) *ReservationHandler {
	if p == nil || r == nil {
		panic("nil dependency passed to NewReservationHandler")
	}
	return &ReservationHandler{Processor: p, Reader: r}
}

type processResponse struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Stage        fulfillment.Stage `json:"stage,omitempty"`
	TicketIDs    []string          `json:"ticket_ids"`
	Tickets      []string          `json:"ticket_numbers,omitempty"`
}

// Process handles POST /v1/internal/reservations/:id/process.  It answers
// 200 when tickets were issued and 422 with the failure message otherwise.
// The saga runs detached from the request so a disconnecting caller cannot
// interrupt its compensations.
func (h *ReservationHandler) Process(c echo.Context) error {
	id, ok := reservationID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	ctx := context.WithoutCancel(c.Request().Context())
	if sub, ok := c.Get(middleware.CtxSubject).(string); ok {
		ctx = obs.ToContext(ctx, obs.FromContext(ctx).WithField("caller", sub))
	}
	res := h.Processor.ProcessReservation(ctx, id)
	body := processResponse{
		Success:      res.Success,
		ErrorMessage: res.ErrorMessage,
		TicketIDs:    res.TicketIDs,
		Tickets:      res.TicketNumbers,
	}
	if body.TicketIDs == nil {
		body.TicketIDs = []string{}
	}
	if !res.Success {
		body.Stage = res.Stage
		return c.JSON(http.StatusUnprocessableEntity, body)
	}
	return c.JSON(http.StatusOK, body)
}

type reservationView struct {
	ID                   string                  `json:"id"`
	HouseID              string                  `json:"house_id"`
	UserID               string                  `json:"user_id"`
	Quantity             int                     `json:"quantity"`
	TotalPrice           string                  `json:"total_price"`
	Status               model.ReservationStatus `json:"status"`
	ErrorMessage         *string                 `json:"error_message,omitempty"`
	PaymentTransactionID *string                 `json:"payment_transaction_id,omitempty"`
	ExpiresAt            time.Time               `json:"expires_at"`
	ProcessedAt          *time.Time              `json:"processed_at,omitempty"`
	TicketNumbers        []string                `json:"ticket_numbers"`
}

// Get handles GET /v1/internal/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	id, ok := reservationID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	ctx := c.Request().Context()
	r, err := h.Reader.GetReservation(ctx, id)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
	}
	if err != nil {
		obs.FromContext(ctx).WithError(err).Error("load reservation")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	tickets, err := h.Reader.TicketsByReservation(ctx, id)
	if err != nil {
		obs.FromContext(ctx).WithError(err).Error("load tickets")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	view := reservationView{
		ID:                   r.ID,
		HouseID:              r.HouseID,
		UserID:               r.UserID,
		Quantity:             r.Quantity,
		TotalPrice:           r.TotalPrice.StringFixed(2),
		Status:               r.Status,
		ErrorMessage:         r.ErrorMessage,
		PaymentTransactionID: r.PaymentTransactionID,
		ExpiresAt:            r.ExpiresAt,
		ProcessedAt:          r.ProcessedAt,
		TicketNumbers:        make([]string, 0, len(tickets)),
	}
	for _, t := range tickets {
		view.TicketNumbers = append(view.TicketNumbers, t.TicketNumber)
	}
	return c.JSON(http.StatusOK, view)
}

func reservationID(c echo.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
