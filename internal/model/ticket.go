package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketStatus is the state of an issued ticket.  Status transitions after
// issuance are driven by draws and refunds elsewhere in the system.
type TicketStatus string

const (
	TicketActive    TicketStatus = "Active"
	TicketWinner    TicketStatus = "Winner"
	TicketRefunded  TicketStatus = "Refunded"
	TicketCancelled TicketStatus = "Cancelled"
)

// Ticket is a durably issued lottery ticket.  TicketNumber is unique per
// house and the tickets of one reservation carry contiguous sequences.
type Ticket struct {
	ID                   string           `db:"id"`
	HouseID              string           `db:"house_id"`
	UserID               string           `db:"user_id"`
	ReservationID        string           `db:"reservation_id"`
	TicketNumber         string           `db:"ticket_number"`
	SequenceNumber       int64            `db:"sequence_number"`
	PurchasePrice        decimal.Decimal  `db:"purchase_price"`
	PromotionCode        *string          `db:"promotion_code"`
	DiscountAmount       *decimal.Decimal `db:"discount_amount"`
	Status               TicketStatus     `db:"status"`
	PurchaseDate         time.Time        `db:"purchase_date"`
	PaymentTransactionID string           `db:"payment_transaction_id"`
}
