package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// link is one broker connection together with the channel events are
// published on.
type link interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type amqpLink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
}

// dialLink connects to url and declares the durable topic exchange.
func dialLink(url, exchange string) (link, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &amqpLink{
		conn:       conn,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (l *amqpLink) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return l.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// IsClosed reports whether the broker closed the connection or the channel.
func (l *amqpLink) IsClosed() bool {
	select {
	case <-l.connClosed:
		return true
	case <-l.chClosed:
		return true
	default:
		return false
	}
}

func (l *amqpLink) Close() error {
	_ = l.ch.Close()
	return l.conn.Close()
}

// Publisher sends JSON events to a durable topic exchange.  A connection
// the broker dropped is redialled on the next Publish.
type Publisher struct {
	mu         sync.Mutex
	url        string
	exchange   string
	link       link
	dial       func(url, exchange string) (link, error)
	newBackOff func() backoff.BackOff
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	p := newPublisher(url, exchange, dialLink)
	l, err := p.dial(url, exchange)
	if err != nil {
		return nil, err
	}
	p.link = l
	return p, nil
}

func newPublisher(url, exchange string, dial func(url, exchange string) (link, error)) *Publisher {
	return &Publisher{
		url:      url,
		exchange: exchange,
		dial:     dial,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Publish marshals payload and sends it with the given routing key.
// Messages are persistent.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	msg, err := newMessage(payload, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil || p.link.IsClosed() {
		if err := p.redial(ctx); err != nil {
			return err
		}
	}
	err = p.link.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		if err := p.redial(ctx); err != nil {
			return err
		}
		err = p.link.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	}
	return err
}

// redial replaces the current link.  Callers hold p.mu.
func (p *Publisher) redial(ctx context.Context) error {
	if p.link != nil {
		_ = p.link.Close()
		p.link = nil
	}
	return backoff.Retry(func() error {
		l, err := p.dial(p.url, p.exchange)
		if err != nil {
			return err
		}
		p.link = l
		return nil
	}, backoff.WithContext(p.newBackOff(), ctx))
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil {
		return nil
	}
	err := p.link.Close()
	p.link = nil
	return err
}

func newMessage(payload any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}
