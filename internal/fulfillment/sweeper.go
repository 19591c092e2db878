package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/obs"
	"github.com/iliyamo/house-lottery/internal/repository"
)

// InventoryReleaser gives held tickets back to the pool.
type InventoryReleaser interface {
	ReleaseInventory(ctx context.Context, houseID string, quantity int) error
}

// Sweeper expires pending reservations whose TTL passed without anyone
// processing them.  ProcessReservation expires lazily on its own; the
// sweeper only keeps abandoned reservations from holding inventory.
type Sweeper struct {
	store     Store
	inventory InventoryReleaser
	events    EventPublisher
	metrics   *obs.Metrics
	batch     int
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewSweeper returns a sweeper handling at most batch reservations per
// pass.  events and metrics may be nil.
func NewSweeper(store Store, inv InventoryReleaser, events EventPublisher, metrics *obs.Metrics, batch int, log logrus.FieldLogger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:     store,
		inventory: inv,
		events:    events,
		metrics:   metrics,
		batch:     batch,
		now:       time.Now,
		log:       log.WithField("component", "sweeper"),
	}
}

// Sweep runs one pass and returns how many reservations it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.store.ListExpiredPending(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range expired {
		res := &expired[i]
		msg := "reservation has expired"
		err := s.store.TransitionStatus(ctx, res.ID, model.ReservationExpired, &msg, model.ReservationPending)
		if errors.Is(err, repository.ErrStatusConflict) {
			continue
		}
		if err != nil {
			s.log.WithField("reservation_id", res.ID).WithError(err).Warn("could not expire reservation")
			continue
		}
		if err := s.inventory.ReleaseInventory(ctx, res.HouseID, res.Quantity); err != nil {
			s.log.WithField("reservation_id", res.ID).WithError(err).Warn("could not release inventory")
		}
		ev := outcomeFor(res, model.ReservationExpired, now)
		ev.Stage = StageExpired
		ev.ErrorMessage = msg
		publishOutcome(ctx, s.events, s.log, ev)
		n++
	}
	if s.metrics != nil {
		s.metrics.Expired.Add(float64(n))
	}
	if n > 0 {
		s.log.WithField("expired", n).Info("expired abandoned reservations")
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.  A non-positive
// interval means one minute.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("sweep failed")
			}
		}
	}
}
