package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/obs"
	"github.com/iliyamo/house-lottery/internal/payment"
	"github.com/iliyamo/house-lottery/internal/repository"
)

// Result is what ProcessReservation reports.  A failure never surfaces as
// an error value; ErrorMessage is meant for humans.
type Result struct {
	Success       bool     `json:"success"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	Stage         Stage    `json:"stage"`
	TicketIDs     []string `json:"ticket_ids,omitempty"`
	TicketNumbers []string `json:"ticket_numbers,omitempty"`
}

// Deps are the collaborators of a Coordinator.  Events and Metrics are
// optional.
type Deps struct {
	Store     Store
	Payments  Payments
	Inventory Inventory
	Allocator *Allocator
	Events    EventPublisher
	Metrics   *obs.Metrics
	Log       logrus.FieldLogger
}

// Coordinator runs the reservation fulfillment saga.
type Coordinator struct {
	store     Store
	payments  Payments
	inventory Inventory
	allocator *Allocator
	events    EventPublisher
	metrics   *obs.Metrics
	log       logrus.FieldLogger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewCoordinator(d Deps) *Coordinator {
	return &Coordinator{
		store:     d.Store,
		payments:  d.Payments,
		inventory: d.Inventory,
		allocator: d.Allocator,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       d.Log.WithField("component", "coordinator"),
		tracer:    otel.Tracer("github.com/iliyamo/house-lottery/internal/fulfillment"),
		now:       time.Now,
	}
}

// saga is the per-invocation state the compensations act on.
type saga struct {
	id  string
	res *model.Reservation
	// owned is the status this invocation last observed or wrote and may
	// therefore move on from.  Empty until the reservation is ours.
	owned  model.ReservationStatus
	charge *payment.Charge
	// commitAttempted is set once the ticket transaction was sent to COMMIT.
	commitAttempted bool
	log             logrus.FieldLogger
}

// ProcessReservation takes a pending reservation to completed, or to a
// failed/expired terminal state with every owed compensation applied.
// Calling it again for the same reservation is a no-op failure.
func (c *Coordinator) ProcessReservation(ctx context.Context, reservationID string) (result Result) {
	ctx, span := c.tracer.Start(ctx, "fulfillment.ProcessReservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	log := obs.FromContext(ctx).WithField("reservation_id", reservationID)
	ctx = obs.ToContext(ctx, log)
	s := &saga{id: reservationID, log: log}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("reservation processing panicked")
			result = c.fail(ctx, s, StageInfrastructure, fmt.Sprintf("unexpected error: %v", r))
		}
		c.record(span, result)
	}()
	return c.run(ctx, s)
}

func (c *Coordinator) run(ctx context.Context, s *saga) Result {
	now := c.now().UTC()

	res, err := c.store.GetReservation(ctx, s.id)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return c.fail(ctx, s, StageLookup, "reservation not found")
	}
	if err != nil {
		return c.fail(ctx, s, StageLookup, fmt.Sprintf("could not load reservation: %v", err))
	}
	s.res = res

	if res.Status == model.ReservationPending && res.IsExpired(now) {
		s.owned = model.ReservationPending
		return c.fail(ctx, s, StageExpired, "reservation has expired")
	}
	if res.Status != model.ReservationPending {
		return c.fail(ctx, s, StageStatusGuard, fmt.Sprintf("reservation is already %s", res.Status))
	}
	s.owned = model.ReservationPending

	if res.House == nil {
		return c.fail(ctx, s, StageValidation, "house not found")
	}
	sold, err := c.store.SoldTickets(ctx, res.HouseID)
	if err != nil {
		return c.fail(ctx, s, StageInfrastructure, fmt.Sprintf("could not check availability: %v", err))
	}
	if err := res.House.CanSell(now, res.Quantity, sold); err != nil {
		return c.fail(ctx, s, StageValidation, err.Error())
	}

	err = c.store.TransitionStatus(ctx, s.id, model.ReservationProcessing, nil, model.ReservationPending)
	if errors.Is(err, repository.ErrStatusConflict) {
		s.owned = ""
		return c.fail(ctx, s, StageStatusGuard, "reservation is already being processed")
	}
	if err != nil {
		return c.fail(ctx, s, StageInfrastructure, fmt.Sprintf("could not start processing: %v", err))
	}
	s.owned = model.ReservationProcessing

	if !res.HasPaymentMethod() {
		return c.fail(ctx, s, StagePaymentMethod, "no payment method attached to reservation")
	}

	charge, err := c.payments.ProcessPayment(ctx, payment.ChargeRequest{
		PaymentMethodID: *res.PaymentMethodID,
		Amount:          res.TotalPrice,
		ReferenceID:     res.ID,
		IdempotencyKey:  res.ID,
		Description:     "Lottery tickets reservation " + res.ID,
	})
	if err != nil {
		return c.fail(ctx, s, StagePayment, err.Error())
	}
	s.charge = &charge
	s.log = s.log.WithField("transaction_id", charge.TransactionID)

	return c.fulfil(ctx, s)
}

func (c *Coordinator) fulfil(ctx context.Context, s *saga) Result {
	tx, err := c.store.BeginSerializable(ctx)
	if err != nil {
		return c.fail(ctx, s, StageInfrastructure, fmt.Sprintf("could not begin transaction: %v", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	alloc, err := c.allocator.CreateTickets(ctx, tx, s.id, s.charge.TransactionID)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback failed")
		}
		return c.fail(ctx, s, StageFulfillment, err.Error())
	}

	s.commitAttempted = true
	if err := tx.Commit(); err != nil {
		// The connection can drop after COMMIT reached the server, so the
		// stored row decides whether the tickets exist.
		stored, readErr := c.store.GetReservation(ctx, s.id)
		switch {
		case readErr != nil:
			s.log.WithError(err).WithFields(logrus.Fields{
				"operational_alert": true,
				"read_error":        readErr.Error(),
			}).Error("commit outcome unknown, reservation left in processing for reconciliation")
			return Result{Stage: StageInfrastructure, ErrorMessage: fmt.Sprintf("could not commit tickets: %v", err)}
		case stored.Status == model.ReservationCompleted:
			s.log.WithError(err).Warn("commit reported an error but the reservation is completed")
			return c.succeed(ctx, s, alloc)
		}
		if alloc.NewParticipant {
			if rmErr := c.inventory.RemoveParticipant(ctx, s.res.HouseID, s.res.UserID); rmErr != nil {
				s.log.WithError(rmErr).Error("could not remove participant after failed commit")
			}
		}
		return c.fail(ctx, s, StageInfrastructure, fmt.Sprintf("could not commit tickets: %v", err))
	}
	committed = true
	return c.succeed(ctx, s, alloc)
}

func (c *Coordinator) succeed(ctx context.Context, s *saga, alloc Allocation) Result {
	numbers := alloc.TicketNumbers()
	s.log.WithField("tickets", len(numbers)).Info("reservation completed")

	ev := outcomeFor(s.res, model.ReservationCompleted, c.now().UTC())
	ev.PaymentTransactionID = s.charge.TransactionID
	ev.TicketNumbers = numbers
	publishOutcome(ctx, c.events, s.log, ev)

	return Result{
		Success:       true,
		Stage:         StageNone,
		TicketIDs:     alloc.TicketIDs(),
		TicketNumbers: numbers,
	}
}

// fail applies the compensations owed at stage.  A charge is refunded only
// after the terminal status is recorded, so a reservation whose tickets were
// committed is never refunded.
func (c *Coordinator) fail(ctx context.Context, s *saga, stage Stage, msg string) Result {
	comp := CompensationFor(stage)
	log := s.log.WithFields(logrus.Fields{"stage": stage, "error_message": msg})
	result := Result{Stage: stage, ErrorMessage: msg}

	if s.res == nil || s.owned == "" {
		log.Info("reservation not processed")
		return result
	}

	if comp.MarkAs != "" {
		errMsg := msg
		err := c.store.TransitionStatus(ctx, s.id, comp.MarkAs, &errMsg, s.owned)
		switch {
		case err == nil:
			ev := outcomeFor(s.res, comp.MarkAs, c.now().UTC())
			ev.Stage = stage
			ev.ErrorMessage = msg
			if s.charge != nil {
				ev.PaymentTransactionID = s.charge.TransactionID
			}
			publishOutcome(ctx, c.events, log, ev)
		case s.charge != nil:
			if !c.refundable(ctx, s, err, log) {
				return result
			}
		case errors.Is(err, repository.ErrStatusConflict):
			// Another worker moved the reservation on; its inventory is not ours to release.
			log.Warn("reservation changed concurrently, skipping compensation")
			return result
		default:
			log.WithError(err).Error("could not record reservation failure")
		}
	}

	if comp.Refund && s.charge != nil {
		c.refund(ctx, s, msg)
	}
	if comp.Release {
		if err := c.inventory.ReleaseInventory(ctx, s.res.HouseID, s.res.Quantity); err != nil {
			log.WithError(err).Warn("could not release inventory")
		}
	}
	log.Warn("reservation failed")
	return result
}

// refundable decides, after the failure of a charged reservation could not
// be recorded, whether compensating is still safe.  It is unless the tickets
// may have been committed.
func (c *Coordinator) refundable(ctx context.Context, s *saga, transitionErr error, log logrus.FieldLogger) bool {
	stored, err := c.store.GetReservation(ctx, s.id)
	switch {
	case err == nil && stored.Status == model.ReservationCompleted:
		log.WithError(transitionErr).Warn("reservation is completed, keeping the charge")
		return false
	case err == nil:
		log.WithError(transitionErr).WithField("status", stored.Status).Error("could not record reservation failure")
		return true
	case !s.commitAttempted:
		// Tickets only exist after a commit.
		log.WithError(transitionErr).Error("could not record reservation failure")
		return true
	default:
		log.WithError(transitionErr).WithFields(logrus.Fields{
			"operational_alert": true,
			"read_error":        err.Error(),
		}).Error("reservation outcome unknown, charge kept for reconciliation")
		return false
	}
}

func (c *Coordinator) refund(ctx context.Context, s *saga, reason string) {
	ok := c.payments.RefundPayment(ctx, s.id, s.charge.TransactionID, s.res.TotalPrice, reason)
	if c.metrics != nil {
		label := "success"
		if !ok {
			label = "failure"
		}
		c.metrics.Refunds.WithLabelValues(label).Inc()
	}
	if !ok {
		s.log.WithFields(logrus.Fields{
			"operational_alert": true,
			"amount":            s.res.TotalPrice.StringFixed(2),
		}).Error("refund failed, charge needs manual reconciliation")
		return
	}
	s.log.WithField("amount", s.res.TotalPrice.StringFixed(2)).Info("payment refunded")
}

func (c *Coordinator) record(span trace.Span, result Result) {
	label := "success"
	if !result.Success {
		label = "failure"
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
	span.SetAttributes(attribute.String("fulfillment.stage", string(result.Stage)))
	if c.metrics != nil {
		c.metrics.Outcomes.WithLabelValues(label, string(result.Stage)).Inc()
	}
}
