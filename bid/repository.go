package bid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrBidNotFound signals the bid does not exist.
	ErrBidNotFound = errors.New("bid: not found")
	// ErrDuplicateBid signals the investor already holds a live bid on the invoice.
	ErrDuplicateBid = errors.New("bid: investor already has a live bid on this invoice")
)

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists bids.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const columns = `id, invoice_id, investor, bid_amount, expected_return, status, created_at, updated_at`

// InsertTx writes a new placed bid inside the caller's transaction. The
// partial unique index keeps one live bid per investor per invoice.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, b Bid) error {
	const query = `
		INSERT INTO bids (id, invoice_id, investor, bid_amount, expected_return)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := tx.Exec(ctx, query, b.ID, b.InvoiceID, b.Investor, b.BidAmount, b.ExpectedReturn); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateBid
		}
		return fmt.Errorf("bid: insert: %w", err)
	}
	return nil
}

// Get returns the bid by id.
func (r *Repository) Get(ctx context.Context, id string) (Bid, error) {
	query := `SELECT ` + columns + ` FROM bids WHERE id = $1`
	return scanBid(r.db.QueryRow(ctx, query, id))
}

// GetTx returns the bid inside the caller's transaction, locking the row.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Bid, error) {
	query := `SELECT ` + columns + ` FROM bids WHERE id = $1 FOR UPDATE`
	return scanBid(tx.QueryRow(ctx, query, id))
}

// SetStatusTx moves the bid to next inside the caller's transaction.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next Status) error {
	const query = `UPDATE bids SET status = $2, updated_at = now() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, next)
	if err != nil {
		return fmt.Errorf("bid: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

// RejectOthersTx rejects every other placed bid on the invoice. Part of the
// acceptance composite.
func (r *Repository) RejectOthersTx(ctx context.Context, tx pgx.Tx, invoiceID, acceptedID string) (int64, error) {
	const query = `
		UPDATE bids
		SET status = 'rejected', updated_at = now()
		WHERE invoice_id = $1 AND id <> $2 AND status = 'placed'`

	tag, err := tx.Exec(ctx, query, invoiceID, acceptedID)
	if err != nil {
		return 0, fmt.Errorf("bid: reject others: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListForInvoice returns every bid on the invoice, best offer first: lowest
// expected return, then earliest placement.
func (r *Repository) ListForInvoice(ctx context.Context, invoiceID string) ([]Bid, error) {
	query := `SELECT ` + columns + ` FROM bids WHERE invoice_id = $1 ORDER BY expected_return, created_at`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("bid: list for invoice: %w", err)
	}
	defer rows.Close()

	var bids []Bid
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.ID, &b.InvoiceID, &b.Investor, &b.BidAmount, &b.ExpectedReturn,
			&b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("bid: scan: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// Best returns the most attractive placed bid on the invoice.
func (r *Repository) Best(ctx context.Context, invoiceID string) (Bid, error) {
	query := `SELECT ` + columns + ` FROM bids
		WHERE invoice_id = $1 AND status = 'placed'
		ORDER BY expected_return, created_at
		LIMIT 1`

	return scanBid(r.db.QueryRow(ctx, query, invoiceID))
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(&b.ID, &b.InvoiceID, &b.Investor, &b.BidAmount, &b.ExpectedReturn,
		&b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, ErrBidNotFound
	}
	if err != nil {
		return Bid{}, fmt.Errorf("bid: scan: %w", err)
	}
	return b, nil
}
