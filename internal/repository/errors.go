// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// fulfillment saga and the HTTP handlers to distinguish between different
// failure scenarios without inspecting driver errors themselves.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// ErrReservationNotFound is returned when no reservation matches the ID.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrHouseNotFound is returned when the house row does not exist.
var ErrHouseNotFound = errors.New("house not found")

// ErrUserNotFound is returned when the purchasing user does not exist.
var ErrUserNotFound = errors.New("user not found")

// ErrStatusConflict is returned by conditional status updates when the
// reservation is no longer in one of the expected states, e.g. because a
// concurrent worker already moved it forward.
var ErrStatusConflict = errors.New("reservation status changed concurrently")

// ErrSerializationFailure is returned when the database aborted a
// serializable transaction because of a conflicting concurrent one.
var ErrSerializationFailure = errors.New("serialization failure")

// ErrDuplicateTicket is returned when a ticket number is already taken.
var ErrDuplicateTicket = errors.New("duplicate ticket number")

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func isSerializationFailure(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) &&
		(myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout)
}

// classify maps driver errors onto the package sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isSerializationFailure(err):
		return errors.Join(ErrSerializationFailure, err)
	case isDuplicateEntry(err):
		return errors.Join(ErrDuplicateTicket, err)
	}
	return err
}
