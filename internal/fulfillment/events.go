package fulfillment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/house-lottery/internal/model"
)

// Routing keys of the outcome events.
const (
	EventReservationCompleted = "reservation.completed"
	EventReservationFailed    = "reservation.failed"
	EventReservationExpired   = "reservation.expired"
)

// OutcomeEvent is published once a reservation reached a terminal state.
type OutcomeEvent struct {
	ReservationID        string                  `json:"reservation_id"`
	HouseID              string                  `json:"house_id"`
	UserID               string                  `json:"user_id"`
	Quantity             int                     `json:"quantity"`
	Status               model.ReservationStatus `json:"status"`
	Stage                Stage                   `json:"stage,omitempty"`
	ErrorMessage         string                  `json:"error_message,omitempty"`
	PaymentTransactionID string                  `json:"payment_transaction_id,omitempty"`
	TicketNumbers        []string                `json:"ticket_numbers,omitempty"`
	OccurredAt           time.Time               `json:"occurred_at"`
}

func routingKeyFor(status model.ReservationStatus) string {
	switch status {
	case model.ReservationCompleted:
		return EventReservationCompleted
	case model.ReservationExpired:
		return EventReservationExpired
	default:
		return EventReservationFailed
	}
}

// publishOutcome never fails the caller; the terminal state is already
// persisted and consumers can reconcile from the database.
func publishOutcome(ctx context.Context, pub EventPublisher, log logrus.FieldLogger, ev OutcomeEvent) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, routingKeyFor(ev.Status), ev); err != nil {
		log.WithError(err).WithField("status", ev.Status).Warn("could not publish reservation outcome")
	}
}

func outcomeFor(res *model.Reservation, status model.ReservationStatus, at time.Time) OutcomeEvent {
	return OutcomeEvent{
		ReservationID: res.ID,
		HouseID:       res.HouseID,
		UserID:        res.UserID,
		Quantity:      res.Quantity,
		Status:        status,
		OccurredAt:    at,
	}
}
