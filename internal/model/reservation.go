package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the state of a reservation in the fulfillment saga.
type ReservationStatus string

const (
	ReservationPending    ReservationStatus = "pending"
	ReservationProcessing ReservationStatus = "processing"
	ReservationCompleted  ReservationStatus = "completed"
	ReservationFailed     ReservationStatus = "failed"
	ReservationExpired    ReservationStatus = "expired"
)

// Reservation records a user's in-flight intent to buy Quantity tickets of
// one house.  It is created by the intake flow with a short TTL and is only
// mutated by the saga; rows are never deleted.
//
// Fields:
//
//	ID                   – UUID primary key; also the payment idempotency key.
//	HouseID              – house being purchased.
//	UserID               – purchasing user.
//	Quantity             – number of tickets requested.
//	TotalPrice           – amount to charge after promotions.
//	PaymentMethodID      – payment method chosen by the user (nullable).
//	PromotionCode        – applied promotion code (nullable).
//	DiscountAmount       – total discount granted by the promotion (nullable).
//	Status               – pending, processing, completed, failed or expired.
//	ErrorMessage         – diagnostic message of the last failure (nullable).
//	PaymentTransactionID – gateway transaction that paid for the tickets (nullable).
//	ExpiresAt            – after this instant a pending reservation is expired.
//	ProcessedAt          – when fulfillment completed (nullable).
type Reservation struct {
	ID                   string            `db:"id"`
	HouseID              string            `db:"house_id"`
	UserID               string            `db:"user_id"`
	Quantity             int               `db:"quantity"`
	TotalPrice           decimal.Decimal   `db:"total_price"`
	PaymentMethodID      *string           `db:"payment_method_id"`
	PromotionCode        *string           `db:"promotion_code"`
	DiscountAmount       *decimal.Decimal  `db:"discount_amount"`
	Status               ReservationStatus `db:"status"`
	ErrorMessage         *string           `db:"error_message"`
	PaymentTransactionID *string           `db:"payment_transaction_id"`
	ExpiresAt            time.Time         `db:"expires_at"`
	CreatedAt            time.Time         `db:"created_at"`
	UpdatedAt            time.Time         `db:"updated_at"`
	ProcessedAt          *time.Time        `db:"processed_at"`

	// House is loaded alongside the reservation; it is nil when the house
	// row no longer exists.
	House *House `db:"-"`
}

// IsExpired reports whether the reservation TTL has passed.
func (r *Reservation) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// IsTerminal reports whether the reservation reached a final state.
func (r *Reservation) IsTerminal() bool {
	switch r.Status {
	case ReservationCompleted, ReservationFailed, ReservationExpired:
		return true
	}
	return false
}

// HasPaymentMethod reports whether a usable payment method is attached.
func (r *Reservation) HasPaymentMethod() bool {
	return r.PaymentMethodID != nil && *r.PaymentMethodID != ""
}

// DiscountPerTicket spreads the reservation discount evenly over its
// tickets, rounded to cents.  It returns nil when no discount applies.
func (r *Reservation) DiscountPerTicket() *decimal.Decimal {
	if r.DiscountAmount == nil || r.DiscountAmount.IsZero() || r.Quantity <= 0 {
		return nil
	}
	d := r.DiscountAmount.DivRound(decimal.NewFromInt(int64(r.Quantity)), 2)
	return &d
}
