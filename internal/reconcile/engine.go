// Package reconcile matches inbound SCB payment notifications to exactly one
// order payment. The ledger's get-or-create gate admits each transaction ID
// into the pipeline at most once; the payment binding is guarded by a storage
// uniqueness constraint and retried from scratch on conflict.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promptpay/internal/codec"
	"promptpay/internal/config"
	"promptpay/internal/ledger"
	"promptpay/internal/order"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notification is a validated SCB callback payload. The webhook boundary
// decodes ref2 and the amount once; the engine never re-parses bank input.
type Notification struct {
	TransactionID   string
	Ref1            string
	OrderCode       string
	PaymentLocalID  int64
	Amount          decimal.Decimal
	TransactionDate string // bank timestamp, passed through as payment date
	Raw             json.RawMessage
}

// Ack is the successful reconciliation result echoed back to the bank.
type Ack struct {
	TransactionID string
}

// Rejection reasons. All map to HTTP 400 at the webhook boundary; only
// ErrInFlight is expected to succeed on a later bank retry.
var (
	ErrInFlight         = errors.New("reconcile: transaction is being processed by a concurrent request")
	ErrNoMatch          = errors.New("reconcile: transaction previously judged unmatchable")
	ErrMerchantMismatch = errors.New("reconcile: ref1 does not belong to this merchant")
	ErrUnknownOrder     = errors.New("reconcile: no order matches ref2")
)

// maxBindRetries bounds the find-or-create+bind loop. The constraint conflict
// it retries on needs two callbacks racing onto the same payment row, so a
// handful of attempts is plenty; running out of budget is an operational
// alarm, not a rejection.
const maxBindRetries = 4

type Engine struct {
	ledger ledger.Store
	orders order.Service
	ref1   string // this merchant's own encode_ref1 value
}

func New(l ledger.Store, o order.Service, m config.MerchantCfg) *Engine {
	return &Engine{
		ledger: l,
		orders: o,
		ref1:   codec.EncodeRef1(m.Ref1Prefix, m.EventSlug),
	}
}

// Process runs one reconciliation attempt. Rejections before the binding step
// leave the ledger entry in a terminal nomatch state so the bank stops
// retrying a misrouted webhook; a replayed matched transaction is acked again
// with no further side effects.
func (e *Engine) Process(ctx context.Context, n Notification) (Ack, error) {
	// Step 1: idempotency gate. Only the caller that created the entry may
	// proceed; everyone else resolves off the recorded state.
	entry, created, err := e.ledger.GetOrCreate(ctx, n.TransactionID)
	if err != nil {
		return Ack{}, fmt.Errorf("ledger get-or-create: %w", err)
	}
	if !created {
		switch entry.State {
		case ledger.StateMatched:
			// Safe replay of an already-processed notification.
			return Ack{TransactionID: n.TransactionID}, nil
		case ledger.StateNoMatch:
			return Ack{}, ErrNoMatch
		default:
			return Ack{}, ErrInFlight
		}
	}

	// Step 2: merchant check. A foreign ref1 means the webhook belongs to a
	// different merchant sharing the callback infra.
	if n.Ref1 != e.ref1 {
		if err := e.ledger.Resolve(ctx, n.TransactionID, ledger.StateNoMatch, 0); err != nil {
			return Ack{}, fmt.Errorf("ledger resolve nomatch: %w", err)
		}
		return Ack{}, ErrMerchantMismatch
	}

	// Step 3: order lookup within this merchant.
	o, err := e.orders.FindOrder(ctx, n.OrderCode)
	if errors.Is(err, order.ErrNotFound) {
		if err := e.ledger.Resolve(ctx, n.TransactionID, ledger.StateNoMatch, 0); err != nil {
			return Ack{}, fmt.Errorf("ledger resolve nomatch: %w", err)
		}
		return Ack{}, ErrUnknownOrder
	}
	if err != nil {
		return Ack{}, fmt.Errorf("order lookup: %w", err)
	}

	// Step 4: bind a payment to the ledger entry.
	p, freshPayment, err := e.bind(ctx, o.ID, n)
	if err != nil {
		return Ack{}, fmt.Errorf("payment binding for %s: %w", n.TransactionID, err)
	}
	if freshPayment {
		// A payment we just created is not yet the order's active payment;
		// switch on demand, fees included.
		if err := e.orders.ChangePaymentProvider(ctx, o.ID, p.ID); err != nil {
			return Ack{}, fmt.Errorf("payment provider switch: %w", err)
		}
	}

	// Step 5: confirm. Quota exhaustion is swallowed: the money already moved
	// at the bank, so the match must stand.
	if err := e.orders.ConfirmPayment(ctx, p.ID, n.TransactionDate); err != nil {
		if !errors.Is(err, order.ErrQuotaExceeded) {
			return Ack{}, fmt.Errorf("payment confirm: %w", err)
		}
		log.Warn().
			Str("transaction_id", n.TransactionID).
			Str("order", n.OrderCode).
			Msg("quota exceeded at confirmation; keeping payment confirmed")
	}

	// Step 6: keep the raw confirmation payload for later inspection.
	if err := e.orders.SetPaymentInfo(ctx, p.ID, n.Raw); err != nil {
		return Ack{}, fmt.Errorf("payment info: %w", err)
	}

	return Ack{TransactionID: n.TransactionID}, nil
}

// bind finds or creates a bindable payment and atomically marks the ledger
// entry matched against it. When a concurrent racer wins the payment (the
// binding uniqueness constraint fires), the whole step reruns against fresh
// state, up to maxBindRetries times.
func (e *Engine) bind(ctx context.Context, orderID int64, n Notification) (order.Payment, bool, error) {
	var (
		p       order.Payment
		created bool
	)
	op := func() error {
		found, fresh, err := e.orders.GetOrCreatePayment(ctx, orderID, order.Provider, n.Amount)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch err := e.ledger.Resolve(ctx, n.TransactionID, ledger.StateMatched, found.ID); {
		case errors.Is(err, ledger.ErrPaymentBound):
			log.Info().
				Str("transaction_id", n.TransactionID).
				Int64("payment_id", found.ID).
				Msg("payment bound by concurrent transaction, retrying bind")
			return err
		case err != nil:
			return backoff.Permanent(err)
		}
		p, created = found, fresh
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxBindRetries), ctx))
	if err != nil {
		return order.Payment{}, false, err
	}
	return p, created, nil
}
