package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/house-lottery/internal/inventory"
	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/payment"
)

func TestProcessReservation_Success(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(100)
	u := f.addUser()
	r := f.addReservation(h, u, 3)

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, StageNone, result.Stage)
	assert.Equal(t, []string{"a1b2c3d4-000001", "a1b2c3d4-000002", "a1b2c3d4-000003"}, result.TicketNumbers)
	assert.Len(t, result.TicketIDs, 3)

	require.Equal(t, 1, f.pay.chargeCount())
	charge := f.pay.charges[0]
	assert.Equal(t, r.ID, charge.IdempotencyKey)
	assert.Equal(t, r.ID, charge.ReferenceID)
	assert.Equal(t, "pm_card", charge.PaymentMethodID)
	assert.True(t, decimal.NewFromInt(30).Equal(charge.Amount))
	assert.Equal(t, "Lottery tickets reservation "+r.ID, charge.Description)
	assert.Empty(t, f.pay.refundList())

	stored := f.store.reservation(r.ID)
	assert.Equal(t, model.ReservationCompleted, stored.Status)
	require.NotNil(t, stored.PaymentTransactionID)
	assert.Equal(t, f.pay.transactionFor(r.ID), *stored.PaymentTransactionID)
	require.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, f.now, *stored.ProcessedAt)

	tickets := f.store.allTickets()
	require.Len(t, tickets, 3)
	for _, tk := range tickets {
		assert.Equal(t, u.ID, tk.UserID)
		assert.Equal(t, r.ID, tk.ReservationID)
		assert.True(t, h.TicketPrice.Equal(tk.PurchasePrice))
		assert.Equal(t, model.TicketActive, tk.Status)
		assert.Equal(t, *stored.PaymentTransactionID, tk.PaymentTransactionID)
	}

	member, err := f.inv.IsParticipant(context.Background(), h.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, member)
	assert.Equal(t, []string{EventReservationCompleted}, f.events.keys())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("success", "none")))
}

func TestProcessReservation_ContiguousNumbersFromWarmCache(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(100)
	require.NoError(t, f.inv.SeedSequence(context.Background(), h.ID, 40))
	r := f.addReservation(h, f.addUser(), 4)

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, []string{"a1b2c3d4-000041", "a1b2c3d4-000042", "a1b2c3d4-000043", "a1b2c3d4-000044"}, result.TicketNumbers)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Allocations.WithLabelValues("cache")))
}

func TestProcessReservation_ColdCacheSeedsCounter(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(100)
	f.store.putTickets(model.Ticket{ID: "old", HouseID: h.ID, UserID: "x", ReservationID: "old",
		TicketNumber: "a1b2c3d4-000007", SequenceNumber: 7, Status: model.TicketActive})
	r := f.addReservation(h, f.addUser(), 2)

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, []string{"a1b2c3d4-000008", "a1b2c3d4-000009"}, result.TicketNumbers)
	v, err := f.mr.Get(inventory.SequenceKey(h.ID))
	require.NoError(t, err)
	assert.Equal(t, "9", v)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Allocations.WithLabelValues("database")))
}

func TestProcessReservation_IdempotentReinvocation(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(100)
	r := f.addReservation(h, f.addUser(), 2)

	first := f.coord.ProcessReservation(context.Background(), r.ID)
	require.True(t, first.Success, first.ErrorMessage)
	second := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, second.Success)
	assert.Equal(t, StageStatusGuard, second.Stage)
	assert.Equal(t, "reservation is already completed", second.ErrorMessage)
	assert.Equal(t, 1, f.pay.chargeCount())
	assert.Len(t, f.store.allTickets(), 2)
	assert.Empty(t, f.pay.refundList())
	assert.Equal(t, model.ReservationCompleted, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_NotFound(t *testing.T) {
	f := newFixture(t)

	result := f.coord.ProcessReservation(context.Background(), "missing")

	assert.False(t, result.Success)
	assert.Equal(t, StageLookup, result.Stage)
	assert.Equal(t, "reservation not found", result.ErrorMessage)
	assert.Zero(t, f.pay.chargeCount())
	assert.Empty(t, f.events.keys())
}

func TestProcessReservation_ExpiredIsChargeFree(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(100)
	r := f.addReservation(h, f.addUser(), 3, func(r *model.Reservation) {
		r.ExpiresAt = f.now.Add(-time.Second)
	})
	require.Equal(t, int64(3), f.reserved(h.ID))

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StageExpired, result.Stage)
	assert.Zero(t, f.pay.chargeCount())
	assert.Empty(t, f.pay.refundList())
	assert.Equal(t, model.ReservationExpired, f.store.reservation(r.ID).Status)
	assert.Zero(t, f.reserved(h.ID))
	assert.Equal(t, []string{EventReservationExpired}, f.events.keys())
}

func TestProcessReservation_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		total   int
		sold    int
		house   func(*model.House)
		message string
	}{
		{
			name:    "house closed",
			total:   10,
			house:   func(h *model.House) { h.Status = model.HouseCancelled },
			message: "house is not open for ticket sales",
		},
		{
			name:    "lottery ended",
			total:   10,
			house:   func(h *model.House) { h.LotteryEndDate = h.LotteryStartDate },
			message: "lottery has ended",
		},
		{
			name:    "not enough tickets",
			total:   10,
			sold:    8,
			message: "not enough tickets remaining: only 2 tickets remaining",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			var mutate []func(*model.House)
			if tc.house != nil {
				mutate = append(mutate, tc.house)
			}
			h := f.addHouse(tc.total, mutate...)
			for i := 0; i < tc.sold; i++ {
				f.store.putTickets(model.Ticket{ID: fmt.Sprint(i), HouseID: h.ID, SequenceNumber: int64(i + 1),
					TicketNumber: model.FormatTicketNumber(h.TicketPrefix(), int64(i+1)), Status: model.TicketActive})
			}
			r := f.addReservation(h, f.addUser(), 3)

			result := f.coord.ProcessReservation(context.Background(), r.ID)

			assert.False(t, result.Success)
			assert.Equal(t, StageValidation, result.Stage)
			assert.Equal(t, tc.message, result.ErrorMessage)
			assert.Zero(t, f.pay.chargeCount())
			stored := f.store.reservation(r.ID)
			assert.Equal(t, model.ReservationExpired, stored.Status)
			require.NotNil(t, stored.ErrorMessage)
			assert.Equal(t, tc.message, *stored.ErrorMessage)
			assert.Zero(t, f.reserved(h.ID))
		})
	}
}

func TestProcessReservation_MissingPaymentMethod(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 1, func(r *model.Reservation) { r.PaymentMethodID = nil })

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StagePaymentMethod, result.Stage)
	assert.Zero(t, f.pay.chargeCount())
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
	assert.Zero(t, f.reserved(h.ID))
	assert.Equal(t, []string{EventReservationFailed}, f.events.keys())
}

func TestProcessReservation_PaymentDeclined(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 2)
	f.pay.chargeFn = func(payment.ChargeRequest) (payment.Charge, error) {
		return payment.Charge{}, &payment.GatewayError{StatusCode: 402, Message: "card declined"}
	}

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StagePayment, result.Stage)
	assert.Equal(t, "card declined", result.ErrorMessage)
	assert.Empty(t, f.pay.refundList())
	assert.Empty(t, f.store.allTickets())
	stored := f.store.reservation(r.ID)
	assert.Equal(t, model.ReservationFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "card declined", *stored.ErrorMessage)
	assert.Zero(t, f.reserved(h.ID))
}

func TestProcessReservation_InvalidTransactionID(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 2)
	f.pay.chargeFn = func(payment.ChargeRequest) (payment.Charge, error) {
		return payment.Charge{}, payment.ErrInvalidTransactionID
	}

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, "invalid transaction identifier returned by payment gateway", result.ErrorMessage)
	assert.Empty(t, f.store.allTickets())
	assert.Empty(t, f.pay.refundList())
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_FulfillmentFailureRefunds(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	u := f.addUser(func(u *model.User) { u.EmailVerified = false })
	r := f.addReservation(h, u, 2)

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StageFulfillment, result.Stage)
	assert.Equal(t, model.ErrEmailNotVerified.Error(), result.ErrorMessage)
	assert.Empty(t, f.store.allTickets())

	refunds := f.pay.refundList()
	require.Len(t, refunds, 1)
	assert.Equal(t, f.pay.transactionFor(r.ID), refunds[0].TransactionID)
	assert.Equal(t, r.ID, refunds[0].ReservationID)
	assert.True(t, r.TotalPrice.Equal(refunds[0].Amount))

	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
	assert.Zero(t, f.reserved(h.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Refunds.WithLabelValues("success")))
}

func TestProcessReservation_RefundFailureStillFails(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	u := f.addUser(func(u *model.User) { u.IsActive = false })
	r := f.addReservation(h, u, 1)
	f.pay.refundOK = false

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Len(t, f.pay.refundList(), 1, "refunds are attempted once and never retried")
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Refunds.WithLabelValues("failure")))
}

func TestProcessReservation_CacheDownRollsBackTickets(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 2)
	f.mr.Close()

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	// Numbers come from the database, but the participant cannot be
	// registered, so nothing may be committed.
	assert.False(t, result.Success)
	assert.Equal(t, StageFulfillment, result.Stage)
	assert.Contains(t, result.ErrorMessage, "could not register participant")
	assert.Empty(t, f.store.allTickets())
	assert.Len(t, f.pay.refundList(), 1)
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_CommitFailure(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	u := f.addUser()
	r := f.addReservation(h, u, 2)
	f.store.commitErr = errors.New("connection reset")

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StageInfrastructure, result.Stage)
	assert.Equal(t, "could not commit tickets: connection reset", result.ErrorMessage)
	assert.Empty(t, f.store.allTickets())
	assert.Len(t, f.pay.refundList(), 1)
	member, err := f.inv.IsParticipant(context.Background(), h.ID, u.ID)
	require.NoError(t, err)
	assert.False(t, member, "participant added by the aborted allocation must be removed")
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_CommitFailureKeepsExistingParticipant(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	u := f.addUser()
	_, err := f.inv.AddParticipant(context.Background(), h.ID, u.ID)
	require.NoError(t, err)
	r := f.addReservation(h, u, 1)
	f.store.commitErr = errors.New("connection reset")

	f.coord.ProcessReservation(context.Background(), r.ID)

	member, err := f.inv.IsParticipant(context.Background(), h.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestProcessReservation_LostCommitAcknowledgementSucceeds(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 2)
	f.store.lostCommitErr = errors.New("connection lost after COMMIT")

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Len(t, result.TicketNumbers, 2)
	assert.Empty(t, f.pay.refundList())
	assert.Equal(t, model.ReservationCompleted, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_UnknownCommitOutcomeKeepsCharge(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	u := f.addUser()
	r := f.addReservation(h, u, 2)
	f.store.lostCommitErr = errors.New("connection lost after COMMIT")
	f.store.readErr = errors.New("database unreachable")

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.False(t, result.Success)
	assert.Equal(t, StageInfrastructure, result.Stage)
	assert.Empty(t, f.pay.refundList(), "tickets may be committed, the charge must stand")
	assert.Len(t, f.store.allTickets(), 2)
	assert.Equal(t, model.ReservationCompleted, f.store.reservation(r.ID).Status)
	assert.Equal(t, int64(2), f.reserved(h.ID), "inventory stays held until the outcome is reconciled")
	member, err := f.inv.IsParticipant(context.Background(), h.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestProcessReservation_BeginFailure(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 1)
	f.store.beginErr = errors.New("too many connections")

	result := f.coord.ProcessReservation(context.Background(), r.ID)

	assert.Equal(t, StageInfrastructure, result.Stage)
	assert.Len(t, f.pay.refundList(), 1)
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
}

func TestProcessReservation_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 1)
	f.pay.chargeFn = func(payment.ChargeRequest) (payment.Charge, error) { panic("gateway client bug") }

	var result Result
	require.NotPanics(t, func() { result = f.coord.ProcessReservation(context.Background(), r.ID) })

	assert.False(t, result.Success)
	assert.Equal(t, StageInfrastructure, result.Stage)
	assert.Equal(t, "unexpected error: gateway client bug", result.ErrorMessage)
	assert.Empty(t, f.pay.refundList(), "nothing was captured, nothing to refund")
	assert.Equal(t, model.ReservationFailed, f.store.reservation(r.ID).Status)
	assert.Zero(t, f.reserved(h.ID))
}

func TestProcessReservation_ConcurrentOverbookingScenario(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	a := f.addReservation(h, f.addUser(), 6)
	b := f.addReservation(h, f.addUser(), 6)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = f.coord.ProcessReservation(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for i, res := range results {
		id := []string{a.ID, b.ID}[i]
		if res.Success {
			succeeded++
			assert.Len(t, res.TicketNumbers, 6)
			continue
		}
		assert.Contains(t, res.ErrorMessage, "only 4 tickets remaining")
		// The loser was either rejected before paying or refunded.
		if tx := f.pay.transactionFor(id); tx != "" {
			refunds := f.pay.refundList()
			require.Len(t, refunds, 1)
			assert.Equal(t, tx, refunds[0].TransactionID)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.store.allTickets(), 6)
}

func TestProcessReservation_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	const n, quantity = 8, 3
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.addReservation(h, f.addUser(), quantity).ID
	}

	var wg sync.WaitGroup
	results := make([]Result, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = f.coord.ProcessReservation(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	completed := 0
	refunded := map[string]bool{}
	for _, r := range f.pay.refundList() {
		refunded[r.TransactionID] = true
	}
	for i, res := range results {
		stored := f.store.reservation(ids[i])
		if res.Success {
			completed++
			assert.Equal(t, model.ReservationCompleted, stored.Status)
			continue
		}
		assert.Contains(t, []model.ReservationStatus{model.ReservationFailed, model.ReservationExpired}, stored.Status)
		if tx := f.pay.transactionFor(ids[i]); tx != "" {
			assert.True(t, refunded[tx], "charged reservation %s must be refunded", ids[i])
		}
	}

	tickets := f.store.allTickets()
	assert.Equal(t, completed*quantity, len(tickets))
	assert.LessOrEqual(t, len(tickets), h.TotalTickets)
	assert.Equal(t, 3, completed)

	seen := map[string]bool{}
	for _, tk := range tickets {
		assert.False(t, seen[tk.TicketNumber], "duplicate ticket %s", tk.TicketNumber)
		seen[tk.TicketNumber] = true
		assert.True(t, strings.HasPrefix(tk.TicketNumber, h.TicketPrefix()+"-"))
	}
}

func TestProcessReservation_ConcurrentSameReservation(t *testing.T) {
	f := newFixture(t)
	h := f.addHouse(10)
	r := f.addReservation(h, f.addUser(), 2)
	const n = 8

	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.ProcessReservation(context.Background(), r.ID)
		}(i)
	}
	wg.Wait()

	succeeded, guarded := 0, 0
	for _, res := range results {
		switch {
		case res.Success:
			succeeded++
		case res.Stage == StageStatusGuard:
			guarded++
		default:
			t.Errorf("unexpected result %+v", res)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, guarded)
	assert.Equal(t, 1, f.pay.chargeCount())
	assert.Empty(t, f.pay.refundList())

	tickets := f.store.allTickets()
	require.Len(t, tickets, 2)
	for _, tk := range tickets {
		assert.Equal(t, r.ID, tk.ReservationID)
	}
	assert.Equal(t, model.ReservationCompleted, f.store.reservation(r.ID).Status)
}
