package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads escrow and payment state.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Get returns the escrow for the invoice.
func (r *Repository) Get(ctx context.Context, invoiceID string) (Escrow, error) {
	const query = `
		SELECT invoice_id, investor, held_amount, currency, status, created_at, resolved_at
		FROM escrows
		WHERE invoice_id = $1`

	var esc Escrow
	err := r.db.QueryRow(ctx, query, invoiceID).Scan(&esc.InvoiceID, &esc.Investor,
		&esc.HeldAmount, &esc.Currency, &esc.Status, &esc.CreatedAt, &esc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, ErrEscrowNotFound
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: query: %w", err)
	}
	return esc, nil
}

// Payments returns the repayments recorded for the invoice, oldest first.
func (r *Repository) Payments(ctx context.Context, invoiceID string) ([]Payment, error) {
	const query = `
		SELECT id, invoice_id, payer, amount, created_at
		FROM payments
		WHERE invoice_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("escrow: query payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Payer, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// PaidTotalTx sums the repayments recorded for the invoice inside the
// caller's transaction.
func (r *Repository) PaidTotalTx(ctx context.Context, tx pgx.Tx, invoiceID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`

	var total int64
	if err := tx.QueryRow(ctx, query, invoiceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("escrow: sum payments: %w", err)
	}
	return total, nil
}

// InsertPaymentTx records one repayment inside the caller's transaction.
func (r *Repository) InsertPaymentTx(ctx context.Context, tx pgx.Tx, invoiceID, payer string, amount int64) error {
	const insert = `INSERT INTO payments (invoice_id, payer, amount) VALUES ($1, $2, $3)`

	if _, err := tx.Exec(ctx, insert, invoiceID, payer, amount); err != nil {
		return fmt.Errorf("escrow: insert payment: %w", err)
	}
	return nil
}

// AcceptedBidTx returns the accepted bid's investor and amounts for the
// invoice inside the caller's transaction.
func (r *Repository) AcceptedBidTx(ctx context.Context, tx pgx.Tx, invoiceID string) (investor string, bidAmount, expectedReturn int64, err error) {
	const query = `
		SELECT investor, bid_amount, expected_return
		FROM bids
		WHERE invoice_id = $1 AND status = 'accepted'`

	err = tx.QueryRow(ctx, query, invoiceID).Scan(&investor, &bidAmount, &expectedReturn)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, 0, ErrEscrowNotFound
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("escrow: query accepted bid: %w", err)
	}
	return investor, bidAmount, expectedReturn, nil
}
