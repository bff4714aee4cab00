package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvoiceNotFound signals the invoice does not exist.
	ErrInvoiceNotFound = errors.New("invoice: not found")
	// ErrDuplicateRating signals the rater already scored the invoice.
	ErrDuplicateRating = errors.New("invoice: duplicate rating")
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists invoices and their ratings.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// NewID derives a content-based invoice identifier: SHA-256 over the creation
// content plus a random nonce, hex encoded.
func NewID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(uuid.NewString()))
	return hex.EncodeToString(h.Sum(nil))
}

const columns = `id, business, amount, currency, due_date, description, category, tags,
	       status, rating_sum, rating_count, created_at, updated_at`

// InsertTx writes a new pending invoice inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, inv Invoice) error {
	const query = `
		INSERT INTO invoices (id, business, amount, currency, due_date, description, category, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query, inv.ID, inv.Business, inv.Amount, inv.Currency,
		inv.DueDate, inv.Description, inv.Category, inv.Tags)
	if err != nil {
		return fmt.Errorf("invoice: insert: %w", err)
	}
	return nil
}

// Get returns the invoice by id.
func (r *Repository) Get(ctx context.Context, id string) (Invoice, error) {
	query := `SELECT ` + columns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.db.QueryRow(ctx, query, id))
}

// GetTx returns the invoice inside the caller's transaction, locking the row.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	query := `SELECT ` + columns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	return scanInvoice(tx.QueryRow(ctx, query, id))
}

// SetStatusTx moves the invoice to next inside the caller's transaction.
// Transition legality is the caller's responsibility.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next Status) error {
	const query = `UPDATE invoices SET status = $2, updated_at = now() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, next)
	if err != nil {
		return fmt.Errorf("invoice: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// List returns invoices matching the filters, newest first. The secondary
// lookups (business, status, category, tag, rating threshold) ride the table
// indexes maintained with every mutation.
func (r *Repository) List(ctx context.Context, f Filters) ([]Invoice, error) {
	qb := psql.Select(columns).From("invoices").OrderBy("created_at DESC", "id")
	if f.Business != "" {
		qb = qb.Where(squirrel.Eq{"business": f.Business})
	}
	if f.Status != "" {
		qb = qb.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.Category != "" {
		qb = qb.Where(squirrel.Eq{"category": string(f.Category)})
	}
	if f.Tag != "" {
		qb = qb.Where(squirrel.Expr("? = ANY (tags)", f.Tag))
	}
	if f.MinRating > 0 {
		qb = qb.Where(squirrel.Expr("rating_count > 0 AND rating_sum::float8 / rating_count >= ?", f.MinRating))
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("invoice: build list query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// InsertRatingTx records the score and bumps the invoice aggregate in the
// same transaction.
func (r *Repository) InsertRatingTx(ctx context.Context, tx pgx.Tx, rating Rating) error {
	const insert = `
		INSERT INTO invoice_ratings (invoice_id, rater, score, feedback)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, insert, rating.InvoiceID, rating.Rater, rating.Score, rating.Feedback); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRating
		}
		return fmt.Errorf("invoice: insert rating: %w", err)
	}

	const bump = `
		UPDATE invoices
		SET rating_sum = rating_sum + $2, rating_count = rating_count + 1, updated_at = now()
		WHERE id = $1`

	if _, err := tx.Exec(ctx, bump, rating.InvoiceID, rating.Score); err != nil {
		return fmt.Errorf("invoice: bump rating aggregate: %w", err)
	}
	return nil
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
		return "", fmt.Errorf("invoice: query accepted investor: %w", err)
	}
	return investor, nil
}

// Ratings returns the individual scores for the invoice, newest first.
func (r *Repository) Ratings(ctx context.Context, invoiceID string) ([]Rating, error) {
	const query = `
		SELECT invoice_id, rater, score, feedback, created_at
		FROM invoice_ratings
		WHERE invoice_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice: query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []Rating
	for rows.Next() {
		var rt Rating
		if err := rows.Scan(&rt.InvoiceID, &rt.Rater, &rt.Score, &rt.Feedback, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("invoice: scan rating: %w", err)
		}
		ratings = append(ratings, rt)
	}
	return ratings, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Business, &inv.Amount, &inv.Currency, &inv.DueDate,
		&inv.Description, &inv.Category, &inv.Tags, &inv.Status,
		&inv.RatingSum, &inv.RatingCount, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: scan: %w", err)
	}
	return inv, nil
}

func scanInvoiceRow(rows pgx.Rows) (Invoice, error) {
	var inv Invoice
	err := rows.Scan(&inv.ID, &inv.Business, &inv.Amount, &inv.Currency, &inv.DueDate,
		&inv.Description, &inv.Category, &inv.Tags, &inv.Status,
		&inv.RatingSum, &inv.RatingCount, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: scan: %w", err)
	}
	return inv, nil
}
