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

// ReservationRepo provides the reads and state transitions the fulfillment
// saga performs on reservations.  Reservations are created by the intake
// flow; this repository never inserts or deletes them.  All timestamps are
// stored in UTC.
type ReservationRepo struct {
	db *sqlx.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sqlx.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, house_id, user_id, quantity, total_price, payment_method_id,
	promotion_code, discount_amount, status, error_message, payment_transaction_id,
	expires_at, created_at, updated_at, processed_at`

func getReservation(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Reservation, error) {
	var res model.Reservation
	err := sqlx.GetContext(ctx, q, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load reservation %s: %w", id, classify(err))
	}
	return &res, nil
}

// GetByID loads a reservation outside of any transaction.  It returns
// ErrReservationNotFound when no row matches.
func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	return getReservation(ctx, r.db, id)
}

// GetByIDTx loads a reservation within the provided transaction so that
// later decisions in the same transaction act on fresh data.
func (r *ReservationRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.Reservation, error) {
	return getReservation(ctx, tx, id)
}

// TransitionStatus moves a reservation to the target status, but only when
// it is currently in one of the from statuses.  This conditional update is
// what makes the status column the unit of mutual exclusion between
// workers racing on the same reservation: the loser observes
// ErrStatusConflict.  A nil errMsg keeps the existing error message.
func (r *ReservationRepo) TransitionStatus(ctx context.Context, id string, to model.ReservationStatus, errMsg *string, from ...model.ReservationStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition of reservation %s to %s: no source status given", id, to)
	}
	query, args, err := sqlx.In(`UPDATE reservations
		SET status = ?, error_message = COALESCE(?, error_message), updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status IN (?)`, to, errMsg, id, from)
	if err != nil {
		return fmt.Errorf("could not build status update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("could not update reservation %s status: %w", id, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not read affected rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = ?)`, id); err != nil {
			return fmt.Errorf("could not check if reservation exists: %w", err)
		}
		if !exists {
			return ErrReservationNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// CompleteTx marks a processing reservation completed inside the caller's
// transaction, linking the payment transaction and stamping processed_at.
func (r *ReservationRepo) CompleteTx(ctx context.Context, tx *sqlx.Tx, id, paymentTransactionID string, processedAt time.Time) error {
	result, err := tx.ExecContext(ctx, `UPDATE reservations
		SET status = ?, payment_transaction_id = ?, processed_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		model.ReservationCompleted, paymentTransactionID, processedAt.UTC(), processedAt.UTC(),
		id, model.ReservationProcessing)
	if err != nil {
		return fmt.Errorf("could not complete reservation %s: %w", id, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListExpiredPending returns up to limit pending reservations whose TTL
// passed before now, oldest first.
func (r *ReservationRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	var out []model.Reservation
	err := r.db.SelectContext(ctx, &out, `SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, model.ReservationPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("could not list expired reservations: %w", err)
	}
	return out, nil
}
