// Package memory provides an in-memory implementation of the ledger store and
// the order-platform collaborator (for testing/dev). Both live behind one
// mutex, mirroring the shared database they occupy in production.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"promptpay/internal/ledger"
	"promptpay/internal/order"

	"github.com/shopspring/decimal"
)

type Store struct {
	mu sync.Mutex

	txs   map[string]ledger.Transaction
	bound map[int64]string // payment id -> owning transaction id

	orders     map[string]*order.Order // by code
	ordersByID map[int64]*order.Order
	payments   map[int64]*order.Payment
	nextOrder  int64
	nextPay    int64

	// Quota is the remaining inventory capacity; negative means unlimited.
	Quota int

	// ProviderSwitches records ChangePaymentProvider calls (order id, payment
	// id) so tests can assert the switch happened exactly once.
	ProviderSwitches [][2]int64
}

func New() *Store {
	return &Store{
		txs:        make(map[string]ledger.Transaction),
		bound:      make(map[int64]string),
		orders:     make(map[string]*order.Order),
		ordersByID: make(map[int64]*order.Order),
		payments:   make(map[int64]*order.Payment),
		Quota:      -1,
	}
}

// ---------------------------------------------------------------------------
// ledger.Store
// ---------------------------------------------------------------------------

func (s *Store) GetOrCreate(_ context.Context, transactionID string) (ledger.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txs[transactionID]; ok {
		return t, false, nil
	}
	t := ledger.Transaction{ID: transactionID, State: ledger.StateCreated}
	s.txs[transactionID] = t
	return t, true, nil
}

func (s *Store) Resolve(_ context.Context, transactionID string, state ledger.State, paymentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[transactionID]
	if !ok {
		return ledger.ErrNotFound
	}
	if t.State != ledger.StateCreated {
		return ledger.ErrResolved
	}
	if state == ledger.StateMatched {
		if owner, taken := s.bound[paymentID]; taken && owner != transactionID {
			return ledger.ErrPaymentBound
		}
		s.bound[paymentID] = transactionID
		t.PaymentID = paymentID
	}
	t.State = state
	s.txs[transactionID] = t
	return nil
}

// Transaction returns the ledger row for inspection in tests.
func (s *Store) Transaction(transactionID string) (ledger.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[transactionID]
	return t, ok
}

// ---------------------------------------------------------------------------
// order.Service
// ---------------------------------------------------------------------------

func (s *Store) FindOrder(_ context.Context, code string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[code]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return *o, nil
}

func (s *Store) FindPayment(_ context.Context, orderID, localID int64) (order.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.LocalID == localID {
			return *p, nil
		}
	}
	return order.Payment{}, order.ErrNotFound
}

func (s *Store) GetOrCreatePayment(_ context.Context, orderID int64, provider string, amount decimal.Decimal) (order.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ordersByID[orderID]; !ok {
		return order.Payment{}, false, order.ErrNotFound
	}

	// Lowest unbound candidate wins, for determinism.
	var best *order.Payment
	for _, p := range s.payments {
		if p.OrderID != orderID || p.Provider != provider || !p.Amount.Equal(amount) {
			continue
		}
		if p.State != order.PaymentCreated && p.State != order.PaymentPending {
			continue
		}
		if _, taken := s.bound[p.ID]; taken {
			continue
		}
		if best == nil || p.LocalID < best.LocalID {
			best = p
		}
	}
	if best != nil {
		return *best, false, nil
	}

	s.nextPay++
	p := &order.Payment{
		ID:       s.nextPay,
		OrderID:  orderID,
		LocalID:  s.nextLocalID(orderID),
		Provider: provider,
		Amount:   amount,
		State:    order.PaymentCreated,
	}
	s.payments[p.ID] = p
	return *p, true, nil
}

func (s *Store) ConfirmPayment(_ context.Context, paymentID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return order.ErrNotFound
	}
	// The payment ends confirmed even when quota is exhausted; only marking
	// the order paid fails in that case.
	p.State = order.PaymentConfirmed
	if s.Quota == 0 {
		return order.ErrQuotaExceeded
	}
	if s.Quota > 0 {
		s.Quota--
	}

	o := s.ordersByID[p.OrderID]
	confirmed := decimal.Zero
	for _, q := range s.payments {
		if q.OrderID == p.OrderID && q.State == order.PaymentConfirmed {
			confirmed = confirmed.Add(q.Amount)
		}
	}
	if confirmed.GreaterThanOrEqual(o.Total) {
		o.Status = order.StatusPaid
	}
	return nil
}

func (s *Store) FailPayment(_ context.Context, paymentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return order.ErrNotFound
	}
	p.State = order.PaymentFailed
	return nil
}

func (s *Store) ChangePaymentProvider(_ context.Context, orderID, paymentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ordersByID[orderID]; !ok {
		return order.ErrNotFound
	}
	s.ProviderSwitches = append(s.ProviderSwitches, [2]int64{orderID, paymentID})
	return nil
}

func (s *Store) SetPaymentInfo(_ context.Context, paymentID int64, info json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return order.ErrNotFound
	}
	p.Info = append(json.RawMessage(nil), info...)
	return nil
}

// ---------------------------------------------------------------------------
// Seeding helpers
// ---------------------------------------------------------------------------

func (s *Store) AddOrder(code, secret string, total decimal.Decimal) order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrder++
	o := &order.Order{ID: s.nextOrder, Code: code, Secret: secret, Status: order.StatusPending, Total: total}
	s.orders[code] = o
	s.ordersByID[o.ID] = o
	return *o
}

func (s *Store) AddPayment(orderID int64, amount decimal.Decimal, state order.PaymentState) order.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPay++
	p := &order.Payment{
		ID:       s.nextPay,
		OrderID:  orderID,
		LocalID:  s.nextLocalID(orderID),
		Provider: order.Provider,
		Amount:   amount,
		State:    state,
	}
	s.payments[p.ID] = p
	return *p
}

// Payment returns a payment snapshot for inspection in tests.
func (s *Store) Payment(paymentID int64) (order.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return order.Payment{}, false
	}
	return *p, true
}

// Order returns an order snapshot for inspection in tests.
func (s *Store) Order(code string) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[code]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

func (s *Store) nextLocalID(orderID int64) int64 {
	var max int64
	for _, p := range s.payments {
		if p.OrderID == orderID && p.LocalID > max {
			max = p.LocalID
		}
	}
	return max + 1
}
