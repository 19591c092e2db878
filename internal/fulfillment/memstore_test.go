package fulfillment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/house-lottery/internal/model"
	"github.com/iliyamo/house-lottery/internal/repository"
)

// memStore is an in-memory Store.  Transactions hold txMu for their whole
// lifetime, which gives the serial ordering a SERIALIZABLE database would.
type memStore struct {
	txMu sync.Mutex

	mu           sync.Mutex
	reservations map[string]model.Reservation
	houses       map[string]model.House
	users        map[string]model.User
	tickets      []model.Ticket

	beginErr  error
	commitErr error
	// lostCommitErr is returned by a commit that did persist, as when the
	// connection drops after COMMIT.  Reads fail with readErr afterwards.
	lostCommitErr error
	readErr       error
	failReads     bool
}

func newMemStore() *memStore {
	return &memStore{
		reservations: map[string]model.Reservation{},
		houses:       map[string]model.House{},
		users:        map[string]model.User{},
	}
}

func (s *memStore) putHouse(h model.House) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.houses[h.ID] = h
}

func (s *memStore) putUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) putReservation(r model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
}

func (s *memStore) putTickets(ts ...model.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append(s.tickets, ts...)
}

func (s *memStore) reservation(id string) model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[id]
}

func (s *memStore) allTickets() []model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]model.Ticket(nil), s.tickets...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// loadLocked returns a copy of the reservation with its house attached.
func (s *memStore) loadLocked(id string) (*model.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, repository.ErrReservationNotFound
	}
	if h, ok := s.houses[r.HouseID]; ok {
		r.House = &h
	}
	return &r, nil
}

func (s *memStore) GetReservation(_ context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return nil, s.readErr
	}
	return s.loadLocked(id)
}

func (s *memStore) TransitionStatus(_ context.Context, id string, to model.ReservationStatus, errMsg *string, from ...model.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return repository.ErrReservationNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			if errMsg != nil {
				msg := *errMsg
				r.ErrorMessage = &msg
			}
			s.reservations[id] = r
			return nil
		}
	}
	return repository.ErrStatusConflict
}

// occupies mirrors the statuses the repository counts as sold.
func occupies(st model.TicketStatus) bool {
	return st == model.TicketActive || st == model.TicketWinner
}

func sold(tickets []model.Ticket, houseID string) int {
	n := 0
	for _, t := range tickets {
		if t.HouseID == houseID && occupies(t.Status) {
			n++
		}
	}
	return n
}

func (s *memStore) SoldTickets(_ context.Context, houseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sold(s.tickets, houseID), nil
}

func (s *memStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.Status == model.ReservationPending && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) TicketsByReservation(_ context.Context, reservationID string) ([]model.Ticket, error) {
	var out []model.Ticket
	for _, t := range s.allTickets() {
		if t.ReservationID == reservationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) BeginSerializable(context.Context) (Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	s.txMu.Lock()
	return &memTx{s: s}, nil
}

type completion struct {
	id, paymentTransactionID string
	at                       time.Time
}

type memTx struct {
	s         *memStore
	tickets   []model.Ticket
	completes []completion
	done      bool
}

func (t *memTx) visibleTickets() []model.Ticket {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return append(append([]model.Ticket(nil), t.s.tickets...), t.tickets...)
}

func (t *memTx) GetReservation(_ context.Context, id string) (*model.Reservation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.loadLocked(id)
}

func (t *memTx) SoldTickets(_ context.Context, houseID string) (int, error) {
	return sold(t.visibleTickets(), houseID), nil
}

func (t *memTx) MaxTicketSequence(_ context.Context, houseID string) (int64, error) {
	var max int64
	for _, tk := range t.visibleTickets() {
		if tk.HouseID == houseID && tk.SequenceNumber > max {
			max = tk.SequenceNumber
		}
	}
	return max, nil
}

func (t *memTx) CountParticipants(_ context.Context, houseID string) (int, error) {
	users := map[string]bool{}
	for _, tk := range t.visibleTickets() {
		if tk.HouseID == houseID && occupies(tk.Status) {
			users[tk.UserID] = true
		}
	}
	return len(users), nil
}

func (t *memTx) UserTicketCount(_ context.Context, houseID, userID string) (int, error) {
	n := 0
	for _, tk := range t.visibleTickets() {
		if tk.HouseID == houseID && tk.UserID == userID && occupies(tk.Status) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	u, ok := t.s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) InsertTickets(_ context.Context, tickets []model.Ticket) error {
	taken := map[string]bool{}
	for _, tk := range t.visibleTickets() {
		taken[tk.HouseID+"/"+tk.TicketNumber] = true
	}
	for _, tk := range tickets {
		if taken[tk.HouseID+"/"+tk.TicketNumber] {
			return repository.ErrDuplicateTicket
		}
		taken[tk.HouseID+"/"+tk.TicketNumber] = true
	}
	t.tickets = append(t.tickets, tickets...)
	return nil
}

func (t *memTx) CompleteReservation(_ context.Context, id, paymentTransactionID string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.reservations[id]
	if !ok || r.Status != model.ReservationProcessing {
		return repository.ErrStatusConflict
	}
	t.completes = append(t.completes, completion{id: id, paymentTransactionID: paymentTransactionID, at: at})
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.s.txMu.Unlock()
	if t.s.commitErr != nil {
		return t.s.commitErr
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.tickets = append(t.s.tickets, t.tickets...)
	for _, c := range t.completes {
		r := t.s.reservations[c.id]
		r.Status = model.ReservationCompleted
		txID, at := c.paymentTransactionID, c.at
		r.PaymentTransactionID = &txID
		r.ProcessedAt = &at
		t.s.reservations[c.id] = r
	}
	if t.s.lostCommitErr != nil {
		t.s.failReads = t.s.readErr != nil
		return t.s.lostCommitErr
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}
