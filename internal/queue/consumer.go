package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/house-lottery/internal/fulfillment"
	"github.com/iliyamo/house-lottery/internal/obs"
)

// Processor runs the fulfillment saga for one reservation.
type Processor interface {
	ProcessReservation(ctx context.Context, reservationID string) fulfillment.Result
}

// ConsumerConfig describes the queue the consumer drains.
type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// Consumer feeds reservation.created deliveries to the saga.  Deliveries
// are acknowledged manually once ProcessReservation returned; a failed
// saga is a final outcome and is acknowledged too.
type Consumer struct {
	cfg        ConsumerConfig
	proc       Processor
	log        logrus.FieldLogger
	newBackOff func() backoff.BackOff
}

func NewConsumer(cfg ConsumerConfig, proc Processor, log logrus.FieldLogger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	return &Consumer{
		cfg:  cfg,
		proc: proc,
		log:  log.WithField("component", "reservation-consumer"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.WithContext(c.newBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			return fmt.Errorf("dial broker: %w", err)
		}
		defer func() { _ = conn.Close() }()
		b.Reset()
		return c.consume(ctx, conn)
	}, b, func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait.String()).Warn("consumer disconnected")
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.WithField("queue", c.cfg.Queue).Info("consuming reservations")

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(c.cfg.Prefetch)
	defer func() { _ = g.Wait() }()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			g.Go(func() error {
				c.handle(gctx, d)
				return nil
			})
		}
	}
}

// handle processes one delivery.  In-flight sagas finish even when the
// consumer is shutting down so their compensations are never cut short.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := decodeReservationCreated(d.Body)
	if err != nil {
		c.log.WithError(err).WithField("delivery_tag", d.DeliveryTag).Error("rejecting message")
		_ = d.Nack(false, false)
		return
	}
	log := c.log.WithField("reservation_id", ev.ReservationID)
	res := c.proc.ProcessReservation(obs.ToContext(ctx, log), ev.ReservationID)
	if res.Success {
		log.WithField("tickets", len(res.TicketIDs)).Info("reservation fulfilled")
	} else {
		log.WithField("stage", res.Stage).WithField("error", res.ErrorMessage).Info("reservation not fulfilled")
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("ack failed")
	}
}
