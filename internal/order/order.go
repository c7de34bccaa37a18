// Package order defines the consumed interface of the host ticketing
// platform's order/payment model. The reconciliation core only requests
// transitions through this boundary; payment lifecycle rules (quota checks,
// fee recalculation, audit logging) stay on the platform side.
package order

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// Provider is the payment provider identifier this plugin registers under.
const Provider = "promptpay_scb"

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

type PaymentState string

const (
	PaymentCreated   PaymentState = "created"
	PaymentPending   PaymentState = "pending"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentFailed    PaymentState = "failed"
)

type Order struct {
	ID     int64
	Code   string
	Secret string // capability secret embedded in customer-facing URLs
	Status Status
	Total  decimal.Decimal
}

// Payment is an order payment attempt. LocalID is the stable per-order
// sequence number used in ref2.
type Payment struct {
	ID       int64
	OrderID  int64
	LocalID  int64
	Provider string
	Amount   decimal.Decimal
	State    PaymentState
	Info     json.RawMessage
}

var (
	ErrNotFound = errors.New("order: not found")
	// ErrQuotaExceeded signals that confirming the payment failed because
	// inventory quota is exhausted. The money already moved at the bank, so
	// reconciliation swallows this.
	ErrQuotaExceeded = errors.New("order: quota exceeded")
)

// Service is the transactional collaborator interface consumed from the
// order-management system.
type Service interface {
	// FindOrder resolves an order by code within the configured event.
	FindOrder(ctx context.Context, code string) (Order, error)

	// FindPayment resolves a payment by its per-order local id.
	FindPayment(ctx context.Context, orderID, localID int64) (Payment, error)

	// GetOrCreatePayment finds a payment under the order with the given
	// provider and amount in state created or pending that is not already
	// bound to a bank transaction, or creates a fresh one in state created.
	// Returns created=true when a new payment row was made.
	GetOrCreatePayment(ctx context.Context, orderID int64, provider string, amount decimal.Decimal) (Payment, bool, error)

	// ConfirmPayment transitions the payment to confirmed with the given
	// payment date, decrementing quotas. May return ErrQuotaExceeded.
	ConfirmPayment(ctx context.Context, paymentID int64, paidAt string) error

	// FailPayment transitions the payment to failed.
	FailPayment(ctx context.Context, paymentID int64) error

	// ChangePaymentProvider makes the payment the order's active payment,
	// carrying fee recalculation. Implementations no-op when the order is not
	// awaiting payment-method selection, and must not duplicate the audit log
	// entry for the switch.
	ChangePaymentProvider(ctx context.Context, orderID, paymentID int64) error

	// SetPaymentInfo overwrites the payment's free-form info blob.
	SetPaymentInfo(ctx context.Context, paymentID int64, info json.RawMessage) error
}
