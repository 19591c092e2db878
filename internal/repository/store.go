package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/house-lottery/internal/model"
)

// Store groups the repositories used by the fulfillment saga behind one
// handle.  Operations outside of a transaction go through Store; the
// ticket allocation runs on a Tx obtained from BeginSerializable.
type Store struct {
	db           *sqlx.DB
	Reservations *ReservationRepo
	Houses       *HouseRepo
	Tickets      *TicketRepo
	Users        *UserRepo
}

// NewStore wires all repositories to the same database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		Reservations: NewReservationRepo(db),
		Houses:       NewHouseRepo(db),
		Tickets:      NewTicketRepo(db),
		Users:        NewUserRepo(db),
	}
}

// GetReservation loads a reservation together with its house.  A missing
// house leaves Reservation.House nil; callers treat that as a validation
// failure rather than a lookup failure.
func (s *Store) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	res, err := s.Reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.Houses.GetByID(ctx, res.HouseID)
	switch {
	case errors.Is(err, ErrHouseNotFound):
	case err != nil:
		return nil, err
	default:
		res.House = h
	}
	return res, nil
}

// TransitionStatus moves the reservation from one of the given statuses to
// the target.  It returns ErrStatusConflict when the row was not in any
// of them.
func (s *Store) TransitionStatus(ctx context.Context, id string, to model.ReservationStatus, errMsg *string, from ...model.ReservationStatus) error {
	return s.Reservations.TransitionStatus(ctx, id, to, errMsg, from...)
}

// SoldTickets returns the number of capacity-occupying tickets in a house.
func (s *Store) SoldTickets(ctx context.Context, houseID string) (int, error) {
	return s.Tickets.SoldCount(ctx, houseID)
}

// ListExpiredPending returns pending reservations whose TTL has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	return s.Reservations.ListExpiredPending(ctx, now, limit)
}

// TicketsByReservation lists tickets issued for a reservation.
func (s *Store) TicketsByReservation(ctx context.Context, reservationID string) ([]model.Ticket, error) {
	return s.Tickets.ListByReservation(ctx, reservationID)
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginSerializable starts a transaction at SERIALIZABLE isolation.  The
// caller must end it with Commit or Rollback.
func (s *Store) BeginSerializable(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", classify(err))
	}
	return &Tx{tx: tx, store: s}, nil
}

// Tx is a serializable unit of work over the saga's tables.
type Tx struct {
	tx    *sqlx.Tx
	store *Store
}

// GetReservation reloads the reservation and its house inside the
// transaction.
func (t *Tx) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	res, err := t.store.Reservations.GetByIDTx(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	h, err := t.store.Houses.GetByIDTx(ctx, t.tx, res.HouseID)
	switch {
	case errors.Is(err, ErrHouseNotFound):
	case err != nil:
		return nil, err
	default:
		res.House = h
	}
	return res, nil
}

func (t *Tx) SoldTickets(ctx context.Context, houseID string) (int, error) {
	return t.store.Tickets.SoldCountTx(ctx, t.tx, houseID)
}

func (t *Tx) MaxTicketSequence(ctx context.Context, houseID string) (int64, error) {
	return t.store.Tickets.MaxSequenceTx(ctx, t.tx, houseID)
}

func (t *Tx) CountParticipants(ctx context.Context, houseID string) (int, error) {
	return t.store.Tickets.CountParticipantsTx(ctx, t.tx, houseID)
}

func (t *Tx) UserTicketCount(ctx context.Context, houseID, userID string) (int, error) {
	return t.store.Tickets.UserTicketCountTx(ctx, t.tx, houseID, userID)
}

func (t *Tx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return t.store.Users.GetByIDTx(ctx, t.tx, id)
}

func (t *Tx) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	return t.store.Tickets.CreateBulkTx(ctx, t.tx, tickets)
}

func (t *Tx) CompleteReservation(ctx context.Context, id, paymentTransactionID string, processedAt time.Time) error {
	return t.store.Reservations.CompleteTx(ctx, t.tx, id, paymentTransactionID, processedAt)
}

// Commit makes the transaction's writes durable.  A serialization abort
// at commit surfaces as ErrSerializationFailure.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", classify(err))
	}
	return nil
}

// Rollback discards the transaction.  Rolling back an already finished
// transaction is not an error.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
