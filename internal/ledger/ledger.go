// Package ledger records every bank transaction ID the callback endpoint has
// ever seen, together with its resolution. It exists solely to make webhook
// processing idempotent: a transaction ID is admitted into reconciliation at
// most once.
package ledger

import (
	"context"
	"errors"
)

type State string

const (
	// StateCreated: first sighting, resolution pending. A second caller that
	// observes this state must treat the transaction as in-flight.
	StateCreated State = "created"
	// StateMatched: bound to exactly one payment. Terminal.
	StateMatched State = "match"
	// StateNoMatch: judged unmatchable (wrong merchant, unknown order). Terminal.
	StateNoMatch State = "nomatch"
)

// Transaction is one ledger row. PaymentID is set only when State is
// StateMatched; at most one row may reference a given payment.
type Transaction struct {
	ID        string
	State     State
	PaymentID int64 // 0 when unbound
}

var (
	// ErrResolved is returned by Resolve when the row already left StateCreated.
	ErrResolved = errors.New("ledger: transaction already resolved")
	// ErrPaymentBound is returned by Resolve when another transaction already
	// bound the target payment. The caller is expected to retry the bind with
	// a different payment.
	ErrPaymentBound = errors.New("ledger: payment already bound to another transaction")
	// ErrNotFound is returned for lookups of unknown transaction IDs.
	ErrNotFound = errors.New("ledger: transaction not found")
)

// Store is the durable ledger. Implementations must enforce uniqueness of the
// transaction ID and of the payment binding in storage, not application logic;
// concurrent webhook deliveries race on both.
type Store interface {
	// GetOrCreate atomically inserts the row in StateCreated or returns the
	// existing one. Exactly one of any set of concurrent callers for the same
	// ID observes created=true.
	GetOrCreate(ctx context.Context, transactionID string) (Transaction, bool, error)

	// Resolve performs the single terminal write CREATED->state, binding
	// paymentID when state is StateMatched (pass 0 otherwise). It fails with
	// ErrResolved if the row is no longer in StateCreated and with
	// ErrPaymentBound if the payment is already bound elsewhere.
	Resolve(ctx context.Context, transactionID string, state State, paymentID int64) error
}
