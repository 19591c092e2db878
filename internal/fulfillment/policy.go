package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/house-lottery/internal/model"
)

var (
	// ErrParticipantLimit is returned when a new user would exceed the
	// house's participant cap.
	ErrParticipantLimit = errors.New("maximum number of participants reached")
	// ErrUserTicketLimit is returned when the user would hold more tickets
	// than the house allows per user.
	ErrUserTicketLimit = errors.New("ticket limit per user exceeded")
)

// UserVerifier checks that the purchasing user may buy tickets for the
// house.  It runs on the caller's transaction.
type UserVerifier interface {
	VerifyUser(ctx context.Context, tx Tx, userID string, house *model.House) error
}

// ParticipantPolicy enforces the per-house participant caps.  It runs on
// the caller's transaction and never opens one of its own.
type ParticipantPolicy interface {
	CheckParticipant(ctx context.Context, tx Tx, house *model.House, userID string, quantity int) error
}

// AccountVerifier is the default UserVerifier backed by the users table.
type AccountVerifier struct{}

func (AccountVerifier) VerifyUser(ctx context.Context, tx Tx, userID string, house *model.House) error {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return u.CanPurchase(house)
}

// CapPolicy is the default ParticipantPolicy.  Both caps are optional on
// the house; nil means unlimited.
type CapPolicy struct{}

func (CapPolicy) CheckParticipant(ctx context.Context, tx Tx, house *model.House, userID string, quantity int) error {
	if house.MaxParticipants == nil && house.MaxTicketsPerUser == nil {
		return nil
	}
	held, err := tx.UserTicketCount(ctx, house.ID, userID)
	if err != nil {
		return err
	}
	if house.MaxTicketsPerUser != nil && held+quantity > *house.MaxTicketsPerUser {
		return fmt.Errorf("%w: holding %d of %d", ErrUserTicketLimit, held, *house.MaxTicketsPerUser)
	}
	// Existing participants never count against the cap again.
	if house.MaxParticipants != nil && held == 0 {
		count, err := tx.CountParticipants(ctx, house.ID)
		if err != nil {
			return err
		}
		if count >= *house.MaxParticipants {
			return ErrParticipantLimit
		}
	}
	return nil
}
