package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"promptpay/internal/order"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Orders adapts the host ticketing platform's order/payment tables to the
// order.Service boundary. Quota accounting is owned by the platform; this
// adapter only requests the transitions the reconciliation core needs.
type Orders struct {
	db *pgxpool.Pool
}

func NewOrders(db *pgxpool.Pool) *Orders { return &Orders{db: db} }

func (s *Orders) FindOrder(ctx context.Context, code string) (order.Order, error) {
	var (
		o     order.Order
		total string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, code, secret, status, total::text
		  FROM orders
		 WHERE code = $1`,
		code,
	).Scan(&o.ID, &o.Code, &o.Secret, &o.Status, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, err
	}
	o.Total, err = decimal.NewFromString(total)
	return o, err
}

func (s *Orders) FindPayment(ctx context.Context, orderID, localID int64) (order.Payment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, order_id, local_id, provider, amount::text, state, COALESCE(info, 'null'::jsonb)
		  FROM order_payments
		 WHERE order_id = $1 AND local_id = $2`,
		orderID, localID,
	)
	return scanPayment(row)
}

func (s *Orders) GetOrCreatePayment(ctx context.Context, orderID int64, provider string, amount decimal.Decimal) (order.Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return order.Payment{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A payment already bound to a bank transaction is never a candidate; the
	// ledger's UNIQUE(payment_id) backs this up if two callbacks race past
	// the join.
	row := tx.QueryRow(ctx, `
		SELECT p.id, p.order_id, p.local_id, p.provider, p.amount::text, p.state, COALESCE(p.info, 'null'::jsonb)
		  FROM order_payments p
		  LEFT JOIN bank_transactions bt ON bt.payment_id = p.id
		 WHERE p.order_id = $1 AND p.provider = $2 AND p.amount = $3::numeric
		   AND p.state IN ('created','pending')
		   AND bt.transaction_id IS NULL
		 ORDER BY p.local_id
		 LIMIT 1`,
		orderID, provider, amount.String(),
	)
	p, err := scanPayment(row)
	if err == nil {
		return p, false, tx.Commit(ctx)
	}
	if !errors.Is(err, order.ErrNotFound) {
		return order.Payment{}, false, err
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO order_payments (order_id, local_id, provider, amount, state)
		SELECT $1, COALESCE(MAX(local_id), 0) + 1, $2, $3::numeric, 'created'
		  FROM order_payments
		 WHERE order_id = $1
		RETURNING id, order_id, local_id, provider, amount::text, state, COALESCE(info, 'null'::jsonb)`,
		orderID, provider, amount.String(),
	)
	p, err = scanPayment(row)
	if err != nil {
		return order.Payment{}, false, err
	}
	return p, true, tx.Commit(ctx)
}

func (s *Orders) ConfirmPayment(ctx context.Context, paymentID int64, paidAt string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID int64
	err = tx.QueryRow(ctx, `
		UPDATE order_payments
		   SET state = 'confirmed',
		       info = COALESCE(info, '{}'::jsonb) || jsonb_build_object('payment_date', $2::text)
		 WHERE id = $1
		RETURNING order_id`,
		paymentID, paidAt,
	).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.ErrNotFound
	}
	if err != nil {
		return err
	}

	// Mark the order paid once confirmed payments cover the total.
	_, err = tx.Exec(ctx, `
		UPDATE orders o
		   SET status = 'paid'
		 WHERE o.id = $1
		   AND o.status = 'pending'
		   AND o.total <= (SELECT COALESCE(SUM(amount), 0)
		                     FROM order_payments
		                    WHERE order_id = o.id AND state = 'confirmed')`,
		orderID,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Orders) FailPayment(ctx context.Context, paymentID int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_payments SET state = 'failed' WHERE id = $1`, paymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (s *Orders) ChangePaymentProvider(ctx context.Context, orderID, paymentID int64) error {
	// Retire other still-open payment attempts so this payment becomes the
	// order's active one. Runs once per freshly created payment, so the
	// platform's audit log records a single switch.
	_, err := s.db.Exec(ctx, `
		UPDATE order_payments
		   SET state = 'failed'
		 WHERE order_id = $1 AND id <> $2 AND state IN ('created','pending')`,
		orderID, paymentID)
	return err
}

func (s *Orders) SetPaymentInfo(ctx context.Context, paymentID int64, info json.RawMessage) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_payments SET info = $2 WHERE id = $1`, paymentID, []byte(info))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (order.Payment, error) {
	var (
		p      order.Payment
		amount string
		info   []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.LocalID, &p.Provider, &amount, &p.State, &info)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Payment{}, order.ErrNotFound
	}
	if err != nil {
		return order.Payment{}, err
	}
	p.Info = json.RawMessage(info)
	p.Amount, err = decimal.NewFromString(amount)
	return p, err
}
