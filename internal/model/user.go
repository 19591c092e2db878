package model

import (
	"errors"
	"time"
)

var (
	// ErrUserInactive is returned when the purchasing account is disabled.
	ErrUserInactive = errors.New("user account is not active")
	// ErrEmailNotVerified is returned when the user has not verified their email.
	ErrEmailNotVerified = errors.New("user email is not verified")
	// ErrIdentityNotVerified is returned when the house requires identity
	// verification and the user has not completed it.
	ErrIdentityNotVerified = errors.New("user identity is not verified")
)

// User represents the verification state of an application user as
// stored in the `users` table.  Accounts are managed elsewhere; the
// saga only reads the flags below.
//
// Fields:
//
//	ID               – UUID primary key of the user.
//	Email            – unique email address.
//	IsActive         – whether the account is active.
//	EmailVerified    – whether the email address was confirmed.
//	IdentityVerified – whether identity (KYC) verification passed.
//	CreatedAt        – timestamp of creation.
//	UpdatedAt        – timestamp of last update.
type User struct {
	ID               string    `db:"id"`
	Email            string    `db:"email"`
	IsActive         bool      `db:"is_active"`
	EmailVerified    bool      `db:"email_verified"`
	IdentityVerified bool      `db:"identity_verified"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// CanPurchase checks that the user satisfies the verification
// requirements of the given house.
func (u *User) CanPurchase(h *House) error {
	if !u.IsActive {
		return ErrUserInactive
	}
	if !u.EmailVerified {
		return ErrEmailNotVerified
	}
	if h != nil && h.RequiresIdentity && !u.IdentityVerified {
		return ErrIdentityNotVerified
	}
	return nil
}
