// Package queue carries reservation work and outcome events over RabbitMQ.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformed marks a delivery that can never be processed.  Such
// messages are rejected without requeue.
var ErrMalformed = errors.New("malformed reservation message")

// ReservationCreated is published by the intake flow once a reservation
// row exists and is pending.
type ReservationCreated struct {
	ReservationID string `json:"reservation_id"`
}

func decodeReservationCreated(body []byte) (ReservationCreated, error) {
	var ev ReservationCreated
	if err := json.Unmarshal(body, &ev); err != nil {
		return ReservationCreated{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := uuid.Parse(ev.ReservationID); err != nil {
		return ReservationCreated{}, fmt.Errorf("%w: reservation_id %q", ErrMalformed, ev.ReservationID)
	}
	return ev, nil
}
