// Package fulfillment turns a pending reservation into paid, numbered
// tickets.  The Coordinator drives the saga; the Allocator issues tickets
// inside a serializable transaction; failures are undone through a fixed
// compensation table rather than a distributed transaction.
package fulfillment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/payment"
	"github.com/iliyamo/house-lottery/internal/repository"
)

// Store is the persistence the saga needs outside of a transaction.
type Store interface {
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	TransitionStatus(ctx context.Context, id string, to model.ReservationStatus, errMsg *string, from ...model.ReservationStatus) error
	SoldTickets(ctx context.Context, houseID string) (int, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	TicketsByReservation(ctx context.Context, reservationID string) ([]model.Ticket, error)
	BeginSerializable(ctx context.Context) (Tx, error)
}

// Tx is a serializable unit of work.  Every read made through it is
// ordered against concurrent transactions by the database.
type Tx interface {
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	SoldTickets(ctx context.Context, houseID string) (int, error)
	MaxTicketSequence(ctx context.Context, houseID string) (int64, error)
	CountParticipants(ctx context.Context, houseID string) (int, error)
	UserTicketCount(ctx context.Context, houseID, userID string) (int, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	InsertTickets(ctx context.Context, tickets []model.Ticket) error
	CompleteReservation(ctx context.Context, id, paymentTransactionID string, processedAt time.Time) error
	Commit() error
	Rollback() error
}

// Inventory is the cache-backed inventory service.
type Inventory interface {
	NextTicketNumbers(ctx context.Context, houseID string, quantity int) (int64, error)
	SeedSequence(ctx context.Context, houseID string, last int64) error
	ReleaseInventory(ctx context.Context, houseID string, quantity int) error
	AddParticipant(ctx context.Context, houseID, userID string) (bool, error)
	RemoveParticipant(ctx context.Context, houseID, userID string) error
}

// Payments is the payment gateway.
type Payments interface {
	ProcessPayment(ctx context.Context, req payment.ChargeRequest) (payment.Charge, error)
	RefundPayment(ctx context.Context, reservationID, transactionID string, amount decimal.Decimal, reason string) bool
}

// EventPublisher delivers saga outcome events.  Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type sqlStore struct {
	*repository.Store
}

// SQLStore adapts the MySQL repositories to Store.
func SQLStore(s *repository.Store) Store { return sqlStore{s} }

func (s sqlStore) BeginSerializable(ctx context.Context) (Tx, error) {
	tx, err := s.Store.BeginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
