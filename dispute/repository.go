package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDisputeNotFound signals no dispute exists for the invoice.
	ErrDisputeNotFound = errors.New("dispute: not found")
	// ErrDuplicateDispute signals the invoice already carries a dispute.
	ErrDuplicateDispute = errors.New("dispute: invoice already disputed")
)

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists disputes.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const columns = `invoice_id, raised_by, reason, status, resolution, resolved_by, resolved_at, created_at`

// InsertTx opens a dispute inside the caller's transaction. The primary key
// keeps one dispute per invoice.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const query = `
		INSERT INTO disputes (invoice_id, raised_by, reason)
		VALUES ($1, $2, $3)`

	if _, err := tx.Exec(ctx, query, d.InvoiceID, d.RaisedBy, d.Reason); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDispute
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// Get returns the dispute for the invoice.
func (r *Repository) Get(ctx context.Context, invoiceID string) (Dispute, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE invoice_id = $1`
	return scanDispute(r.db.QueryRow(ctx, query, invoiceID))
}

// GetTx returns the dispute inside the caller's transaction, locking the row.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Dispute, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE invoice_id = $1 FOR UPDATE`
	return scanDispute(tx.QueryRow(ctx, query, invoiceID))
}

// ResolveTx marks the dispute resolved with the ruling. The WHERE clause
// guards against double resolution.
func (r *Repository) ResolveTx(ctx context.Context, tx pgx.Tx, invoiceID string, res Resolution) error {
	const query = `
		UPDATE disputes
		SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = $4
		WHERE invoice_id = $1 AND status = 'under_review'`

	tag, err := tx.Exec(ctx, query, invoiceID, res.Outcome, res.ResolvedBy, res.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// ListOpen returns every dispute still under review, oldest first.
func (r *Repository) ListOpen(ctx context.Context) ([]Dispute, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE status = 'under_review' ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AcceptedInvestorTx returns the investor behind the accepted bid for the
// invoice, empty when no bid was accepted.
func (r *Repository) AcceptedInvestorTx(ctx context.Context, tx pgx.Tx, invoiceID string) (string, error) {
	const query = `SELECT investor FROM bids WHERE invoice_id = $1 AND status = 'accepted'`

	var investor string
	err := tx.QueryRow(ctx, query, invoiceID).Scan(&investor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dispute: query accepted investor: %w", err)
	}
	return investor, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	d, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, ErrDisputeNotFound
	}
	return d, err
}

func scanRow(row pgx.Row) (Dispute, error) {
	var (
		d          Dispute
		outcome    *Outcome
		resolvedBy *string
		resolvedAt *time.Time
	)
	err := row.Scan(&d.InvoiceID, &d.RaisedBy, &d.Reason, &d.Status, &outcome, &resolvedBy, &resolvedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, err
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	if outcome != nil && resolvedBy != nil && resolvedAt != nil {
		d.Resolution = &Resolution{Outcome: *outcome, ResolvedBy: *resolvedBy, ResolvedAt: *resolvedAt}
	}
	return d, nil
}
