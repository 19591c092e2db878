package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/house-lottery/internal/model"
)

// TicketRepo persists issued tickets and answers the counting queries used
// for capacity and participant enforcement.  Counting queries executed
// through the *Tx variants participate in the caller's serializable
// transaction, which is what orders concurrent cap checks.
type TicketRepo struct {
	db *sqlx.DB
}

// NewTicketRepo returns a TicketRepo bound to the given database.
func NewTicketRepo(db *sqlx.DB) *TicketRepo { return &TicketRepo{db: db} }

// soldStatuses lists ticket statuses that occupy capacity.
var soldStatuses = []model.TicketStatus{model.TicketActive, model.TicketWinner}

func countSold(ctx context.Context, q sqlx.QueryerContext, houseID string) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM tickets WHERE house_id = ? AND status IN (?)`, houseID, soldStatuses)
	if err != nil {
		return 0, err
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return 0, fmt.Errorf("could not count sold tickets: %w", classify(err))
	}
	return n, nil
}

// SoldCount returns the number of tickets occupying capacity in a house.
func (r *TicketRepo) SoldCount(ctx context.Context, houseID string) (int, error) {
	return countSold(ctx, r.db, houseID)
}

// SoldCountTx is SoldCount within the provided transaction.
func (r *TicketRepo) SoldCountTx(ctx context.Context, tx *sqlx.Tx, houseID string) (int, error) {
	return countSold(ctx, tx, houseID)
}

// MaxSequenceTx returns the highest ticket sequence ever issued for the
// house, or zero when none exists.  Refunded and cancelled tickets are
// included because their numbers stay taken.
func (r *TicketRepo) MaxSequenceTx(ctx context.Context, tx *sqlx.Tx, houseID string) (int64, error) {
	var max int64
	err := tx.GetContext(ctx, &max, `SELECT COALESCE(MAX(sequence_number), 0) FROM tickets WHERE house_id = ?`, houseID)
	if err != nil {
		return 0, fmt.Errorf("could not read max ticket sequence: %w", classify(err))
	}
	return max, nil
}

// CountParticipantsTx returns the number of distinct users holding
// capacity-occupying tickets in the house.
func (r *TicketRepo) CountParticipantsTx(ctx context.Context, tx *sqlx.Tx, houseID string) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(DISTINCT user_id) FROM tickets WHERE house_id = ? AND status IN (?)`, houseID, soldStatuses)
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("could not count participants: %w", classify(err))
	}
	return n, nil
}

// UserTicketCountTx returns how many capacity-occupying tickets the user
// already holds in the house.
func (r *TicketRepo) UserTicketCountTx(ctx context.Context, tx *sqlx.Tx, houseID, userID string) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM tickets WHERE house_id = ? AND user_id = ? AND status IN (?)`, houseID, userID, soldStatuses)
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("could not count user tickets: %w", classify(err))
	}
	return n, nil
}

// CreateBulkTx inserts all tickets in a single statement within the
// provided transaction.  Passing an empty slice has no effect.  A
// duplicate ticket number surfaces as ErrDuplicateTicket.
func (r *TicketRepo) CreateBulkTx(ctx context.Context, tx *sqlx.Tx, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	_, err := tx.NamedExecContext(ctx, `INSERT INTO tickets
		(id, house_id, user_id, reservation_id, ticket_number, sequence_number, purchase_price,
		 promotion_code, discount_amount, status, purchase_date, payment_transaction_id)
		VALUES
		(:id, :house_id, :user_id, :reservation_id, :ticket_number, :sequence_number, :purchase_price,
		 :promotion_code, :discount_amount, :status, :purchase_date, :payment_transaction_id)`, tickets)
	if err != nil {
		return fmt.Errorf("could not save tickets: %w", classify(err))
	}
	return nil
}

// ListByReservation returns the tickets issued for a reservation ordered by
// sequence number.
func (r *TicketRepo) ListByReservation(ctx context.Context, reservationID string) ([]model.Ticket, error) {
	var out []model.Ticket
	err := r.db.SelectContext(ctx, &out, `SELECT id, house_id, user_id, reservation_id, ticket_number,
			sequence_number, purchase_price, promotion_code, discount_amount, status, purchase_date,
			payment_transaction_id
		FROM tickets
		WHERE reservation_id = ?
		ORDER BY sequence_number`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("could not list tickets for reservation %s: %w", reservationID, err)
	}
	return out, nil
}
