package reconcile_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"promptpay/internal/config"
	"promptpay/internal/ledger"
	"promptpay/internal/order"
	"promptpay/internal/reconcile"
	"promptpay/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMerchant = config.MerchantCfg{
	EventSlug:  "democon",
	Ref1Prefix: "PRETIX",
	Ref3Prefix: "SCB1",
}

const merchantRef1 = "PRETIXDEMOCON"

func notification(txn, ref1, code string, amount int64) reconcile.Notification {
	return reconcile.Notification{
		TransactionID:   txn,
		Ref1:            ref1,
		OrderCode:       code,
		PaymentLocalID:  1,
		Amount:          decimal.NewFromInt(amount),
		TransactionDate: "2026-01-10T14:15:22+07:00",
		Raw:             json.RawMessage(`{"transactionId":"` + txn + `"}`),
	}
}

// spyOrders counts and optionally gates collaborator calls.
type spyOrders struct {
	order.Service
	mu           sync.Mutex
	confirms     int
	bindEnter    chan struct{} // signals entry into find-or-create, may be nil
	bindGate     chan struct{} // blocks find-or-create until closed, may be nil
	confirmEnter chan struct{} // signals entry into confirm, may be nil
	confirmGate  chan struct{} // blocks confirm until closed, may be nil
}

func (s *spyOrders) GetOrCreatePayment(ctx context.Context, orderID int64, provider string, amount decimal.Decimal) (order.Payment, bool, error) {
	if s.bindEnter != nil {
		s.bindEnter <- struct{}{}
	}
	if s.bindGate != nil {
		<-s.bindGate
	}
	return s.Service.GetOrCreatePayment(ctx, orderID, provider, amount)
}

func (s *spyOrders) ConfirmPayment(ctx context.Context, paymentID int64, paidAt string) error {
	s.mu.Lock()
	s.confirms++
	s.mu.Unlock()
	if s.confirmEnter != nil {
		s.confirmEnter <- struct{}{}
	}
	if s.confirmGate != nil {
		<-s.confirmGate
	}
	return s.Service.ConfirmPayment(ctx, paymentID, paidAt)
}

func (s *spyOrders) confirmCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms
}

func TestMatchesExistingPendingPayment(t *testing.T) {
	// Scenario: unknown transaction, correct ref1, valid order, one unbound
	// pending payment with the right amount.
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	p := mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	e := reconcile.New(mem, mem, testMerchant)

	n := notification("TXN001", merchantRef1, "ABC123", 450)
	ack, err := e.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "TXN001", ack.TransactionID)

	tx, ok := mem.Transaction("TXN001")
	require.True(t, ok)
	assert.Equal(t, ledger.StateMatched, tx.State)
	assert.Equal(t, p.ID, tx.PaymentID)

	got, _ := mem.Payment(p.ID)
	assert.Equal(t, order.PaymentConfirmed, got.State)
	assert.JSONEq(t, string(n.Raw), string(got.Info))

	gotOrder, _ := mem.Order("ABC123")
	assert.Equal(t, order.StatusPaid, gotOrder.Status)

	// The payment existed already, so no provider switch happened.
	assert.Empty(t, mem.ProviderSwitches)
}

func TestMerchantMismatchMarksNoMatch(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	p := mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	e := reconcile.New(mem, mem, testMerchant)

	_, err := e.Process(context.Background(), notification("TXN002", "OTHERSHOP", "ABC123", 450))
	assert.ErrorIs(t, err, reconcile.ErrMerchantMismatch)

	tx, _ := mem.Transaction("TXN002")
	assert.Equal(t, ledger.StateNoMatch, tx.State)

	got, _ := mem.Payment(p.ID)
	assert.Equal(t, order.PaymentPending, got.State, "payment must be untouched")
}

func TestUnknownOrderMarksNoMatch(t *testing.T) {
	mem := memory.New()
	e := reconcile.New(mem, mem, testMerchant)

	_, err := e.Process(context.Background(), notification("TXN003", merchantRef1, "NOSUCH", 450))
	assert.ErrorIs(t, err, reconcile.ErrUnknownOrder)

	tx, _ := mem.Transaction("TXN003")
	assert.Equal(t, ledger.StateNoMatch, tx.State)
}

func TestReplayAcksWithoutSecondConfirm(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	spy := &spyOrders{Service: mem}
	e := reconcile.New(mem, spy, testMerchant)

	n := notification("TXN004", merchantRef1, "ABC123", 450)
	_, err := e.Process(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, 1, spy.confirmCount())

	// Replaying the identical notification acks again with no side effects.
	for i := 0; i < 3; i++ {
		ack, err := e.Process(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, "TXN004", ack.TransactionID)
	}
	assert.Equal(t, 1, spy.confirmCount())
}

func TestPriorNoMatchStaysRejected(t *testing.T) {
	mem := memory.New()
	e := reconcile.New(mem, mem, testMerchant)

	n := notification("TXN005", merchantRef1, "NOSUCH", 450)
	_, err := e.Process(context.Background(), n)
	require.ErrorIs(t, err, reconcile.ErrUnknownOrder)

	_, err = e.Process(context.Background(), n)
	assert.ErrorIs(t, err, reconcile.ErrNoMatch)
}

func TestQuotaExceededStillAcks(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	p := mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	mem.Quota = 0
	e := reconcile.New(mem, mem, testMerchant)

	ack, err := e.Process(context.Background(), notification("TXN006", merchantRef1, "ABC123", 450))
	require.NoError(t, err, "quota exhaustion must not fail the webhook")
	assert.Equal(t, "TXN006", ack.TransactionID)

	got, _ := mem.Payment(p.ID)
	assert.Equal(t, order.PaymentConfirmed, got.State)
}

func TestFreshPaymentTriggersProviderSwitch(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	e := reconcile.New(mem, mem, testMerchant)

	ack, err := e.Process(context.Background(), notification("TXN007", merchantRef1, "ABC123", 450))
	require.NoError(t, err)
	assert.Equal(t, "TXN007", ack.TransactionID)

	require.Len(t, mem.ProviderSwitches, 1)
	assert.Equal(t, o.ID, mem.ProviderSwitches[0][0])

	tx, _ := mem.Transaction("TXN007")
	got, _ := mem.Payment(tx.PaymentID)
	assert.Equal(t, order.PaymentConfirmed, got.State)
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	spy := &spyOrders{
		Service:   mem,
		bindEnter: make(chan struct{}, 1),
		bindGate:  make(chan struct{}),
	}
	e := reconcile.New(mem, spy, testMerchant)

	n := notification("TXN008", merchantRef1, "ABC123", 450)

	done := make(chan error, 1)
	go func() {
		_, err := e.Process(context.Background(), n)
		done <- err
	}()

	// Park the first delivery before it binds a payment: its ledger entry is
	// still CREATED, so the duplicate must bounce as in-flight.
	<-spy.bindEnter
	_, err := e.Process(context.Background(), n)
	assert.ErrorIs(t, err, reconcile.ErrInFlight)

	close(spy.bindGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, spy.confirmCount(), "only the first delivery reaches confirmation")

	tx, _ := mem.Transaction("TXN008")
	assert.Equal(t, ledger.StateMatched, tx.State)
}

func TestDuplicateAfterBindAcksWithoutSecondConfirm(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)
	spy := &spyOrders{
		Service:      mem,
		confirmEnter: make(chan struct{}, 1),
		confirmGate:  make(chan struct{}),
	}
	e := reconcile.New(mem, spy, testMerchant)

	n := notification("TXN010", merchantRef1, "ABC123", 450)

	done := make(chan error, 1)
	go func() {
		_, err := e.Process(context.Background(), n)
		done <- err
	}()

	// Park the first delivery inside confirm: the ledger entry is already
	// MATCHED, so the duplicate is a replay and acks without confirming again.
	<-spy.confirmEnter
	ack, err := e.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "TXN010", ack.TransactionID)

	close(spy.confirmGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, spy.confirmCount(), "only the first delivery reaches confirmation")
}

func TestBindRetriesOnStolenPayment(t *testing.T) {
	mem := memory.New()
	o := mem.AddOrder("ABC123", "ordersecret", decimal.NewFromInt(450))
	p1 := mem.AddPayment(o.ID, decimal.NewFromInt(450), order.PaymentPending)

	// Another transaction binds p1 between our find and our bind: the stale
	// collaborator hands out p1 once, then delegates to fresh state.
	_, _, err := mem.GetOrCreate(context.Background(), "RIVAL")
	require.NoError(t, err)

	stale := &staleOrders{Service: mem, stale: p1}
	e := reconcile.New(mem, stale, testMerchant)

	require.NoError(t, mem.Resolve(context.Background(), "RIVAL", ledger.StateMatched, p1.ID))

	ack, err := e.Process(context.Background(), notification("TXN009", merchantRef1, "ABC123", 450))
	require.NoError(t, err)
	assert.Equal(t, "TXN009", ack.TransactionID)

	tx, _ := mem.Transaction("TXN009")
	assert.Equal(t, ledger.StateMatched, tx.State)
	assert.NotEqual(t, p1.ID, tx.PaymentID, "must rebind to a different payment after the conflict")
	assert.GreaterOrEqual(t, stale.calls, 2, "bind step must rerun from scratch")
}

// staleOrders returns a stale payment snapshot on the first find-or-create to
// force a binding conflict.
type staleOrders struct {
	order.Service
	stale order.Payment
	calls int
}

func (s *staleOrders) GetOrCreatePayment(ctx context.Context, orderID int64, provider string, amount decimal.Decimal) (order.Payment, bool, error) {
	s.calls++
	if s.calls == 1 {
		return s.stale, false, nil
	}
	return s.Service.GetOrCreatePayment(ctx, orderID, provider, amount)
}
