package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/house-lottery/internal/model"
)

// ErrNotProcessing is returned when the reservation left the processing
// state before tickets could be created, e.g. on a redelivered message.
var ErrNotProcessing = errors.New("reservation is not in processing state")

// ParticipantRegistry records which users take part in a house.
type ParticipantRegistry interface {
	AddParticipant(ctx context.Context, houseID, userID string) (bool, error)
}

// Allocation describes the tickets issued for one reservation.
type Allocation struct {
	Tickets []model.Ticket
	// NewParticipant is true when the user entered the participant set
	// with this allocation.  Only then may a compensation remove them.
	NewParticipant bool
}

// TicketIDs returns the IDs of the issued tickets in sequence order.
func (a Allocation) TicketIDs() []string {
	ids := make([]string, len(a.Tickets))
	for i, t := range a.Tickets {
		ids[i] = t.ID
	}
	return ids
}

// TicketNumbers returns the formatted ticket numbers in sequence order.
func (a Allocation) TicketNumbers() []string {
	nums := make([]string, len(a.Tickets))
	for i, t := range a.Tickets {
		nums[i] = t.TicketNumber
	}
	return nums
}

// Allocator creates tickets for a paid reservation.  It never commits or
// rolls back; the caller owns the transaction.
type Allocator struct {
	numbers      NumberAllocator
	participants ParticipantRegistry
	users        UserVerifier
	policy       ParticipantPolicy
	now          func() time.Time
	log          logrus.FieldLogger
}

// NewAllocator wires the allocator.  Nil verifier or policy select the
// defaults.
func NewAllocator(numbers NumberAllocator, participants ParticipantRegistry, users UserVerifier, policy ParticipantPolicy, log logrus.FieldLogger) *Allocator {
	if users == nil {
		users = AccountVerifier{}
	}
	if policy == nil {
		policy = CapPolicy{}
	}
	return &Allocator{
		numbers:      numbers,
		participants: participants,
		users:        users,
		policy:       policy,
		now:          time.Now,
		log:          log.WithField("component", "allocator"),
	}
}

// CreateTickets issues the reservation's tickets inside tx.  Every check
// reads through tx so concurrent allocations for the same house are
// ordered by the database.  The participant is registered last, right
// before the caller commits; if that fails the whole unit must be rolled
// back.
func (a *Allocator) CreateTickets(ctx context.Context, tx Tx, reservationID, paymentTransactionID string) (Allocation, error) {
	res, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return Allocation{}, err
	}
	if res.Status != model.ReservationProcessing {
		return Allocation{}, fmt.Errorf("%w (status %s)", ErrNotProcessing, res.Status)
	}
	h := res.House
	if h == nil {
		return Allocation{}, errors.New("house not found")
	}

	now := a.now().UTC()
	sold, err := tx.SoldTickets(ctx, h.ID)
	if err != nil {
		return Allocation{}, err
	}
	if err := h.CanSell(now, res.Quantity, sold); err != nil {
		return Allocation{}, err
	}
	if err := a.users.VerifyUser(ctx, tx, res.UserID, h); err != nil {
		return Allocation{}, err
	}
	if err := a.policy.CheckParticipant(ctx, tx, h, res.UserID, res.Quantity); err != nil {
		return Allocation{}, err
	}

	first, err := a.numbers.Allocate(ctx, tx, h.ID, res.Quantity)
	if err != nil {
		return Allocation{}, fmt.Errorf("could not allocate ticket numbers: %w", err)
	}

	prefix := h.TicketPrefix()
	discount := res.DiscountPerTicket()
	tickets := make([]model.Ticket, res.Quantity)
	for i := range tickets {
		seq := first + int64(i)
		tickets[i] = model.Ticket{
			ID:                   uuid.NewString(),
			HouseID:              h.ID,
			UserID:               res.UserID,
			ReservationID:        res.ID,
			TicketNumber:         model.FormatTicketNumber(prefix, seq),
			SequenceNumber:       seq,
			PurchasePrice:        h.TicketPrice,
			PromotionCode:        res.PromotionCode,
			DiscountAmount:       discount,
			Status:               model.TicketActive,
			PurchaseDate:         now,
			PaymentTransactionID: paymentTransactionID,
		}
	}
	if err := tx.InsertTickets(ctx, tickets); err != nil {
		return Allocation{}, err
	}
	if err := tx.CompleteReservation(ctx, res.ID, paymentTransactionID, now); err != nil {
		return Allocation{}, err
	}

	added, err := a.participants.AddParticipant(ctx, h.ID, res.UserID)
	if err != nil {
		return Allocation{}, fmt.Errorf("could not register participant: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"house_id":       h.ID,
		"first":          tickets[0].TicketNumber,
		"quantity":       res.Quantity,
	}).Info("tickets allocated")
	return Allocation{Tickets: tickets, NewParticipant: added}, nil
}
