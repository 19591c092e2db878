package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HouseStatus enumerates the lifecycle states of a house offering.
type HouseStatus string

const (
	HouseUpcoming  HouseStatus = "Upcoming"
	HouseActive    HouseStatus = "Active"
	HouseEnded     HouseStatus = "Ended"
	HouseCancelled HouseStatus = "Cancelled"
	HouseDrawn     HouseStatus = "Drawn"
)

var (
	// ErrHouseClosed is returned when the house is not accepting ticket sales.
	ErrHouseClosed = errors.New("house is not open for ticket sales")
	// ErrLotteryEnded is returned when the lottery window has already closed.
	ErrLotteryEnded = errors.New("lottery has ended")
	// ErrInsufficientStock is returned when fewer tickets remain than requested.
	ErrInsufficientStock = errors.New("not enough tickets remaining")
	// ErrInvalidQuantity is returned for a non-positive ticket quantity.
	ErrInvalidQuantity = errors.New("ticket quantity must be positive")
)

// House is one sellable batch of numbered lottery tickets tied to a prize
// and a lottery window.  The saga only reads houses; Status and UpdatedAt
// are maintained by other parts of the system.
//
// Fields:
//
//	ID                   – UUID primary key; its first 8 hex characters prefix ticket numbers.
//	Title                – display title of the prize property.
//	TotalTickets         – total pool of numbered tickets.
//	TicketPrice          – original price of a single ticket.
//	LotteryStartDate     – when ticket sales open.
//	LotteryEndDate       – when ticket sales close.
//	Status               – Upcoming, Active, Ended, Cancelled or Drawn.
//	MinimumParticipation – minimum participants required for the draw (nullable).
//	MaxParticipants      – cap on distinct participating users (nullable, unlimited when nil).
//	MaxTicketsPerUser    – cap on tickets per user (nullable, unlimited when nil).
//	RequiresIdentity     – buyers must have passed identity verification.
type House struct {
	ID                   string          `db:"id"`
	Title                string          `db:"title"`
	TotalTickets         int             `db:"total_tickets"`
	TicketPrice          decimal.Decimal `db:"ticket_price"`
	LotteryStartDate     time.Time       `db:"lottery_start_date"`
	LotteryEndDate       time.Time       `db:"lottery_end_date"`
	Status               HouseStatus     `db:"status"`
	MinimumParticipation *int            `db:"minimum_participation"`
	MaxParticipants      *int            `db:"max_participants"`
	MaxTicketsPerUser    *int            `db:"max_tickets_per_user"`
	RequiresIdentity     bool            `db:"requires_identity"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// IsOpen reports whether the house accepts sales at the given instant.
func (h *House) IsOpen(now time.Time) error {
	if h.Status != HouseActive && h.Status != HouseUpcoming {
		return ErrHouseClosed
	}
	if !h.LotteryEndDate.IsZero() && !now.Before(h.LotteryEndDate) {
		return ErrLotteryEnded
	}
	return nil
}

// CanSell is the authoritative purchase check for a house: the house must be
// open and at least quantity tickets must remain after the sold ones.
func (h *House) CanSell(now time.Time, quantity, sold int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if err := h.IsOpen(now); err != nil {
		return err
	}
	remaining := h.TotalTickets - sold
	if quantity > remaining {
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Errorf("%w: only %d tickets remaining", ErrInsufficientStock, remaining)
	}
	return nil
}

// TicketPrefix returns the first eight hex characters of the house ID.
func (h *House) TicketPrefix() string {
	hex := strings.ToLower(strings.ReplaceAll(h.ID, "-", ""))
	if len(hex) > 8 {
		return hex[:8]
	}
	return hex
}

// FormatTicketNumber renders a ticket number as <prefix>-<sequence:6 digits>.
func FormatTicketNumber(prefix string, sequence int64) string {
	return fmt.Sprintf("%s-%06d", prefix, sequence)
}
