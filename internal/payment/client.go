// Package payment is the client for the external payment gateway.  Charges
// and refunds are idempotency-keyed so that a retried request never
// captures or returns funds twice.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/iliyamo/house-lottery/internal/config"
)

// ErrInvalidTransactionID is returned when the gateway reports success but
// the transaction identifier it returned is not a UUID.  No refund can be
// issued against such an identifier.
var ErrInvalidTransactionID = errors.New("invalid transaction identifier returned by payment gateway")

// GatewayError carries the gateway's own failure message.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string { return e.Message }

// ChargeRequest describes one charge.
type ChargeRequest struct {
	PaymentMethodID string
	Amount          decimal.Decimal
	ReferenceID     string
	IdempotencyKey  string
	Description     string
}

// Charge is a captured payment.  TransactionID is the capability needed to
// refund it.
type Charge struct {
	TransactionID         string
	ProviderTransactionID string
}

type processBody struct {
	PaymentMethodID string      `json:"paymentMethodId"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	Description     string      `json:"description"`
	ReferenceID     string      `json:"referenceId"`
	IdempotencyKey  string      `json:"idempotencyKey"`
}

type refundBody struct {
	TransactionID string      `json:"transactionId"`
	Amount        json.Number `json:"amount"`
	Reason        string      `json:"reason"`
}

type gatewayResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    struct {
		TransactionID         string `json:"transactionId"`
		ProviderTransactionID string `json:"providerTransactionId"`
	} `json:"data"`
}

func (r gatewayResponse) failureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// Client talks to the gateway over JSON/HTTP.
type Client struct {
	baseURL    string
	currency   string
	http       *http.Client
	maxRetries uint64
	log        logrus.FieldLogger
	latency    prometheus.Observer
	newBackOff func() backoff.BackOff
}

// NewClient builds a client from cfg.  The HTTP transport is instrumented
// with OpenTelemetry so gateway calls appear as child spans.
func NewClient(cfg config.PaymentConfig, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		currency: cfg.Currency,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxRetries: cfg.MaxRetries,
		log:        log.WithField("component", "payment"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// WithLatency records the duration of every charge in h.
func (c *Client) WithLatency(h prometheus.Observer) *Client {
	c.latency = h
	return c
}

// ProcessPayment charges the payment method.  Transport errors and 5xx
// responses are retried under the same idempotency key; any other failure
// is returned immediately.
func (c *Client) ProcessPayment(ctx context.Context, req ChargeRequest) (Charge, error) {
	body := processBody{
		PaymentMethodID: req.PaymentMethodID,
		Amount:          json.Number(req.Amount.StringFixed(2)),
		Currency:        c.currency,
		Description:     req.Description,
		ReferenceID:     req.ReferenceID,
		IdempotencyKey:  req.IdempotencyKey,
	}
	start := time.Now()
	defer func() {
		if c.latency != nil {
			c.latency.Observe(time.Since(start).Seconds())
		}
	}()

	var resp gatewayResponse
	op := func() error {
		var err error
		resp, err = c.post(ctx, "/payments/process", req.IdempotencyKey, body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{"reference_id": req.ReferenceID, "retry_in": wait}).
			WithError(err).Warn("payment request failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Charge{}, err
	}

	if _, err := uuid.Parse(resp.Data.TransactionID); err != nil {
		c.log.WithFields(logrus.Fields{
			"reference_id":   req.ReferenceID,
			"transaction_id": resp.Data.TransactionID,
		}).Error("payment gateway returned an invalid transaction id")
		return Charge{}, ErrInvalidTransactionID
	}
	return Charge{
		TransactionID:         resp.Data.TransactionID,
		ProviderTransactionID: resp.Data.ProviderTransactionID,
	}, nil
}

// RefundPayment returns amount from a captured transaction.  The request is
// keyed by the reservation it compensates, so one reservation is refunded at
// most once however many times its saga fails.  It makes a single attempt
// and reports whether the gateway accepted the refund; failures are logged,
// never retried here.
func (c *Client) RefundPayment(ctx context.Context, reservationID, transactionID string, amount decimal.Decimal, reason string) bool {
	body := refundBody{
		TransactionID: transactionID,
		Amount:        json.Number(amount.StringFixed(2)),
		Reason:        reason,
	}
	if _, err := c.post(ctx, "/payments/refund", "refund-"+reservationID, body); err != nil {
		c.log.WithFields(logrus.Fields{
			"reservation_id": reservationID,
			"transaction_id": transactionID,
			"amount":         amount.StringFixed(2),
		}).WithError(err).Error("refund request failed")
		return false
	}
	return true
}

// post sends one request.  Errors that must not be retried are wrapped in
// backoff.Permanent.
func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload any) (gatewayResponse, error) {
	var out gatewayResponse
	buf, err := json.Marshal(payload)
	if err != nil {
		return out, backoff.Permanent(fmt.Errorf("encode payment request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return out, backoff.Permanent(fmt.Errorf("build payment request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	res, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("payment gateway unreachable: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read payment response: %w", err)
	}
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case res.StatusCode >= 500:
		return out, &GatewayError{StatusCode: res.StatusCode,
			Message: fmt.Sprintf("payment gateway unavailable (status %d)", res.StatusCode)}
	case res.StatusCode < 200 || res.StatusCode > 299:
		msg := out.failureMessage()
		if msg == "" {
			msg = fmt.Sprintf("payment rejected (status %d)", res.StatusCode)
		}
		return out, backoff.Permanent(&GatewayError{StatusCode: res.StatusCode, Message: msg})
	case decodeErr != nil:
		return out, backoff.Permanent(&GatewayError{StatusCode: res.StatusCode,
			Message: fmt.Sprintf("malformed payment response: %v", decodeErr)})
	case !out.Success:
		msg := out.failureMessage()
		if msg == "" {
			msg = "payment was not successful"
		}
		return out, backoff.Permanent(&GatewayError{StatusCode: res.StatusCode, Message: msg})
	}
	return out, nil
}
