package postgres

import (
	"context"
	"errors"

	"promptpay/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the postgres-backed ledger.Store. Row uniqueness and the
// one-transaction-per-payment rule live in the schema (see schema.sql), so
// concurrent deliveries resolve at the database, not in application logic.
type Ledger struct {
	db *pgxpool.Pool
}

func NewLedger(db *pgxpool.Pool) *Ledger { return &Ledger{db: db} }

func (l *Ledger) GetOrCreate(ctx context.Context, transactionID string) (ledger.Transaction, bool, error) {
	var t ledger.Transaction

	// DO NOTHING keeps the insert race-safe: exactly one concurrent caller
	// gets a row back here, the rest fall through to the select.
	err := l.db.QueryRow(ctx, `
		INSERT INTO bank_transactions (transaction_id)
		VALUES ($1)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING transaction_id, state, COALESCE(payment_id, 0)`,
		transactionID,
	).Scan(&t.ID, &t.State, &t.PaymentID)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, err
	}

	err = l.db.QueryRow(ctx, `
		SELECT transaction_id, state, COALESCE(payment_id, 0)
		  FROM bank_transactions
		 WHERE transaction_id = $1`,
		transactionID,
	).Scan(&t.ID, &t.State, &t.PaymentID)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return t, false, nil
}

func (l *Ledger) Resolve(ctx context.Context, transactionID string, state ledger.State, paymentID int64) error {
	var pid any
	if paymentID != 0 {
		pid = paymentID
	}
	tag, err := l.db.Exec(ctx, `
		UPDATE bank_transactions
		   SET state = $2, payment_id = $3, resolved_at = now()
		 WHERE transaction_id = $1 AND state = 'created'`,
		transactionID, string(state), pid,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: the payment_id uniqueness constraint; a racer bound it first.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrPaymentBound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either an unknown id or a second terminal write.
		var exists bool
		if err := l.db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM bank_transactions WHERE transaction_id = $1)`,
			transactionID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ledger.ErrNotFound
		}
		return ledger.ErrResolved
	}
	return nil
}
