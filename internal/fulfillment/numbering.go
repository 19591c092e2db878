package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/house-lottery/internal/inventory"
	"github.com/iliyamo/house-lottery/internal/obs"
)

// NumberAllocator hands out a contiguous block of ticket sequence numbers
// for a house and returns the first one.  The block is
// [first, first+quantity).
type NumberAllocator interface {
	Allocate(ctx context.Context, tx Tx, houseID string, quantity int) (int64, error)
}

// SequenceCounter is the atomic increment primitive of the inventory cache.
type SequenceCounter interface {
	NextTicketNumbers(ctx context.Context, houseID string, quantity int) (int64, error)
	SeedSequence(ctx context.Context, houseID string, last int64) error
}

// CacheSequence allocates from the Redis counter in one INCRBY round trip.
type CacheSequence struct {
	Counter SequenceCounter
}

func (s CacheSequence) Allocate(ctx context.Context, _ Tx, houseID string, quantity int) (int64, error) {
	last, err := s.Counter.NextTicketNumbers(ctx, houseID, quantity)
	if err != nil {
		return 0, err
	}
	return last - int64(quantity) + 1, nil
}

// DatabaseSequence derives the next number from the highest issued one.
// It is only correct inside a serializable transaction, which orders
// concurrent derivations against each other.
type DatabaseSequence struct{}

func (DatabaseSequence) Allocate(ctx context.Context, tx Tx, houseID string, _ int) (int64, error) {
	max, err := tx.MaxTicketSequence(ctx, houseID)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// FallbackSequence prefers the cache and falls back to the database when
// the cache is unreachable or its counter is missing.  After a fallback it
// seeds the counter with the end of the block so the next allocation can
// use the cache again.
type FallbackSequence struct {
	cache    CacheSequence
	database DatabaseSequence
	counter  SequenceCounter
	metrics  *obs.Metrics
	log      logrus.FieldLogger
}

// NewFallbackSequence returns the cache-first allocator.  metrics may be nil.
func NewFallbackSequence(counter SequenceCounter, metrics *obs.Metrics, log logrus.FieldLogger) *FallbackSequence {
	return &FallbackSequence{
		cache:   CacheSequence{Counter: counter},
		counter: counter,
		metrics: metrics,
		log:     log,
	}
}

func (s *FallbackSequence) Allocate(ctx context.Context, tx Tx, houseID string, quantity int) (int64, error) {
	first, err := s.cache.Allocate(ctx, tx, houseID, quantity)
	if err == nil {
		s.count("cache")
		return first, nil
	}
	if !errors.Is(err, inventory.ErrUnavailable) && !errors.Is(err, inventory.ErrSequenceCold) {
		return 0, err
	}
	s.log.WithField("house_id", houseID).WithError(err).Warn("ticket sequence cache miss, deriving numbers from database")

	first, err = s.database.Allocate(ctx, tx, houseID, quantity)
	if err != nil {
		return 0, fmt.Errorf("could not derive ticket numbers: %w", err)
	}
	s.count("database")
	last := first + int64(quantity) - 1
	if err := s.counter.SeedSequence(ctx, houseID, last); err != nil {
		s.log.WithField("house_id", houseID).WithError(err).Debug("could not seed ticket sequence")
	}
	return first, nil
}

func (s *FallbackSequence) count(source string) {
	if s.metrics != nil {
		s.metrics.Allocations.WithLabelValues(source).Inc()
	}
}
