package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/iliyamo/house-lottery/internal/inventory"
	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/obs"
	"github.com/iliyamo/house-lottery/internal/payment"
)

type refundCall struct {
	ReservationID string
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
}

type fakePayments struct {
	mu       sync.Mutex
	charges  []payment.ChargeRequest
	refunds  []refundCall
	chargeFn func(req payment.ChargeRequest) (payment.Charge, error)
	refundOK bool
	issued   map[string]string // reference id -> transaction id
}

func newFakePayments() *fakePayments {
	return &fakePayments{refundOK: true, issued: map[string]string{}}
}

func (p *fakePayments) ProcessPayment(_ context.Context, req payment.ChargeRequest) (payment.Charge, error) {
	p.mu.Lock()
	p.charges = append(p.charges, req)
	fn := p.chargeFn
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	txID := uuid.NewString()
	p.mu.Lock()
	p.issued[req.ReferenceID] = txID
	p.mu.Unlock()
	return payment.Charge{TransactionID: txID, ProviderTransactionID: "prov-" + req.ReferenceID}, nil
}

func (p *fakePayments) RefundPayment(_ context.Context, reservationID, transactionID string, amount decimal.Decimal, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, refundCall{ReservationID: reservationID, TransactionID: transactionID, Amount: amount, Reason: reason})
	return p.refundOK
}

func (p *fakePayments) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

func (p *fakePayments) refundList() []refundCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]refundCall(nil), p.refunds...)
}

func (p *fakePayments) transactionFor(reservationID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued[reservationID]
}

type publishedEvent struct {
	RoutingKey string
	Event      OutcomeEvent
}

type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (e *fakeEvents) Publish(_ context.Context, routingKey string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, _ := payload.(OutcomeEvent)
	e.events = append(e.events, publishedEvent{RoutingKey: routingKey, Event: ev})
	return nil
}

func (e *fakeEvents) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.RoutingKey
	}
	return out
}

type fixture struct {
	t       *testing.T
	now     time.Time
	store   *memStore
	pay     *fakePayments
	events  *fakeEvents
	mr      *miniredis.Miniredis
	inv     *inventory.Manager
	metrics *obs.Metrics
	alloc   *Allocator
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		t:       t,
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		store:   newMemStore(),
		pay:     newFakePayments(),
		events:  &fakeEvents{},
		mr:      mr,
		inv:     inventory.NewManager(rdb, logger),
		metrics: obs.NewMetrics(prometheus.NewRegistry()),
	}
	f.alloc = NewAllocator(NewFallbackSequence(f.inv, f.metrics, logger), f.inv, nil, nil, logger)
	f.alloc.now = func() time.Time { return f.now }
	f.coord = NewCoordinator(Deps{
		Store:     f.store,
		Payments:  f.pay,
		Inventory: f.inv,
		Allocator: f.alloc,
		Events:    f.events,
		Metrics:   f.metrics,
		Log:       logger,
	})
	f.coord.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addHouse(total int, mutate ...func(*model.House)) model.House {
	h := model.House{
		ID:               "a1b2c3d4-e5f6-4711-8899-aabbccddeeff",
		Title:            "Lake house",
		TotalTickets:     total,
		TicketPrice:      decimal.NewFromInt(10),
		LotteryStartDate: f.now.Add(-24 * time.Hour),
		LotteryEndDate:   f.now.Add(30 * 24 * time.Hour),
		Status:           model.HouseActive,
	}
	for _, m := range mutate {
		m(&h)
	}
	f.store.putHouse(h)
	return h
}

func (f *fixture) addUser(mutate ...func(*model.User)) model.User {
	u := model.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com", IsActive: true, EmailVerified: true}
	for _, m := range mutate {
		m(&u)
	}
	f.store.putUser(u)
	return u
}

func (f *fixture) addReservation(h model.House, u model.User, quantity int, mutate ...func(*model.Reservation)) model.Reservation {
	pm := "pm_card"
	r := model.Reservation{
		ID:              uuid.NewString(),
		HouseID:         h.ID,
		UserID:          u.ID,
		Quantity:        quantity,
		TotalPrice:      h.TicketPrice.Mul(decimal.NewFromInt(int64(quantity))),
		PaymentMethodID: &pm,
		Status:          model.ReservationPending,
		ExpiresAt:       f.now.Add(15 * time.Minute),
		CreatedAt:       f.now.Add(-time.Minute),
		UpdatedAt:       f.now.Add(-time.Minute),
	}
	for _, m := range mutate {
		m(&r)
	}
	f.store.putReservation(r)
	_, _ = f.inv.Reserve(context.Background(), h.ID, quantity)
	return r
}

func (f *fixture) reserved(houseID string) int64 {
	n, err := f.inv.Reserved(context.Background(), houseID)
	if err != nil {
		f.t.Fatalf("reserved: %v", err)
	}
	return n
}
