// Package inventory keeps the fast, cache-backed view of a house's ticket
// inventory in Redis: the ticket number sequence, the reserved-ticket
// counter and the set of participating users.  The database remains the
// source of truth; everything here is an optimisation that the
// fulfillment saga reconciles through compensating actions.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable is returned for any Redis transport or server error,
	// and when no Redis client is configured.
	ErrUnavailable = errors.New("inventory store unavailable")
	// ErrSequenceCold is returned when the ticket number counter does not
	// exist, e.g. after a cache flush.  Callers must derive numbers from the
	// database and seed the counter.
	ErrSequenceCold = errors.New("ticket number sequence not initialised")
)

// Key helpers.  The ticket number key is shared with other services.
func SequenceKey(houseID string) string     { return "lottery:ticket_number:" + houseID }
func ReservedKey(houseID string) string     { return "lottery:reserved:" + houseID }
func ParticipantsKey(houseID string) string { return "lottery:participants:" + houseID }

// INCRBY only when the key exists so a flushed cache never restarts
// numbering at 1.
var nextNumbersScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

var seedScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local last = tonumber(ARGV[1])
	if current < last then
		redis.call('SET', KEYS[1], last)
		return last
	end
	return current
`)

var releaseScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local remaining = current - tonumber(ARGV[1])
	if remaining < 0 then
		remaining = 0
	end
	redis.call('SET', KEYS[1], remaining)
	return remaining
`)

// Manager implements the inventory operations on top of a Redis client.  A
// nil client is allowed: every operation then fails with ErrUnavailable,
// which lets the service run with the database fallback only.
type Manager struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

// NewManager returns a Manager using rdb.
func NewManager(rdb *redis.Client, log logrus.FieldLogger) *Manager {
	return &Manager{rdb: rdb, log: log.WithField("component", "inventory")}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// NextTicketNumbers atomically advances the house's ticket sequence by
// quantity and returns the last number of the allocated block.  The first
// number is last-quantity+1.
func (m *Manager) NextTicketNumbers(ctx context.Context, houseID string, quantity int) (int64, error) {
	if m.rdb == nil {
		return 0, unavailable("incrby", errors.New("no client"))
	}
	last, err := nextNumbersScript.Run(ctx, m.rdb, []string{SequenceKey(houseID)}, quantity).Int64()
	if err != nil {
		return 0, unavailable("incrby", err)
	}
	if last < 0 {
		return 0, ErrSequenceCold
	}
	return last, nil
}

// SeedSequence raises the house's counter to last if it is lower.  It
// never moves the counter backwards.
func (m *Manager) SeedSequence(ctx context.Context, houseID string, last int64) error {
	if m.rdb == nil {
		return unavailable("seed", errors.New("no client"))
	}
	if err := seedScript.Run(ctx, m.rdb, []string{SequenceKey(houseID)}, last).Err(); err != nil {
		return unavailable("seed", err)
	}
	return nil
}

// Reserve records quantity tickets as held for a pending reservation and
// returns the new reserved total.  The reservation intake service calls it
// when it creates the reservation; the saga only ever releases.
func (m *Manager) Reserve(ctx context.Context, houseID string, quantity int) (int64, error) {
	if m.rdb == nil {
		return 0, unavailable("reserve", errors.New("no client"))
	}
	n, err := m.rdb.IncrBy(ctx, ReservedKey(houseID), int64(quantity)).Result()
	if err != nil {
		return 0, unavailable("reserve", err)
	}
	return n, nil
}

// Reserved returns the number of tickets currently held for pending
// reservations.
func (m *Manager) Reserved(ctx context.Context, houseID string) (int64, error) {
	if m.rdb == nil {
		return 0, unavailable("reserved", errors.New("no client"))
	}
	n, err := m.rdb.Get(ctx, ReservedKey(houseID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("reserved", err)
	}
	return n, nil
}

// ReleaseInventory gives back quantity held tickets.  The counter never
// goes below zero, so releasing twice is harmless.
func (m *Manager) ReleaseInventory(ctx context.Context, houseID string, quantity int) error {
	if m.rdb == nil {
		return unavailable("release", errors.New("no client"))
	}
	remaining, err := releaseScript.Run(ctx, m.rdb, []string{ReservedKey(houseID)}, quantity).Int64()
	if err != nil {
		return unavailable("release", err)
	}
	m.log.WithFields(logrus.Fields{"house_id": houseID, "quantity": quantity, "reserved": remaining}).
		Debug("inventory released")
	return nil
}

// AddParticipant registers userID in the house's participant set and
// reports whether the user was newly added.
func (m *Manager) AddParticipant(ctx context.Context, houseID, userID string) (bool, error) {
	if m.rdb == nil {
		return false, unavailable("sadd", errors.New("no client"))
	}
	n, err := m.rdb.SAdd(ctx, ParticipantsKey(houseID), userID).Result()
	if err != nil {
		return false, unavailable("sadd", err)
	}
	return n == 1, nil
}

// RemoveParticipant undoes AddParticipant.
func (m *Manager) RemoveParticipant(ctx context.Context, houseID, userID string) error {
	if m.rdb == nil {
		return unavailable("srem", errors.New("no client"))
	}
	if err := m.rdb.SRem(ctx, ParticipantsKey(houseID), userID).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

// IsParticipant reports whether userID is in the house's participant set.
func (m *Manager) IsParticipant(ctx context.Context, houseID, userID string) (bool, error) {
	if m.rdb == nil {
		return false, unavailable("sismember", errors.New("no client"))
	}
	ok, err := m.rdb.SIsMember(ctx, ParticipantsKey(houseID), userID).Result()
	if err != nil {
		return false, unavailable("sismember", err)
	}
	return ok, nil
}

// ParticipantCount returns the size of the house's participant set.
func (m *Manager) ParticipantCount(ctx context.Context, houseID string) (int64, error) {
	if m.rdb == nil {
		return 0, unavailable("scard", errors.New("no client"))
	}
	n, err := m.rdb.SCard(ctx, ParticipantsKey(houseID)).Result()
	if err != nil {
		return 0, unavailable("scard", err)
	}
	return n, nil
}
