package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrApplicationNotFound signals that no KYC application exists for the business.
var ErrApplicationNotFound = errors.New("verification: application not found")

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists KYC applications. Each business holds at most one row.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Get returns the application for the business.
func (r *Repository) Get(ctx context.Context, business string) (Application, error) {
	const query = `
		SELECT business, payload, status, rejection_reason, submitted_at, reviewed_at, reviewed_by
		FROM kyc_applications
		WHERE business = $1`

	return scanApplication(r.db.QueryRow(ctx, query, business))
}

// StatusTx returns the application status inside the caller's transaction,
// locking the row against concurrent review.
func (r *Repository) StatusTx(ctx context.Context, tx pgx.Tx, business string) (Status, error) {
	const query = `SELECT status FROM kyc_applications WHERE business = $1 FOR UPDATE`

	var status Status
	err := tx.QueryRow(ctx, query, business).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrApplicationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("verification: query status: %w", err)
	}
	return status, nil
}

// UpsertPendingTx stores a fresh pending application, overwriting any
// previous submission for the business.
func (r *Repository) UpsertPendingTx(ctx context.Context, tx pgx.Tx, business string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("verification: marshal payload: %w", err)
	}

	const query = `
		INSERT INTO kyc_applications (business, payload, status, submitted_at)
		VALUES ($1, $2, 'pending', now())
		ON CONFLICT (business)
		DO UPDATE SET payload = EXCLUDED.payload, status = 'pending',
		              rejection_reason = NULL, submitted_at = now(),
		              reviewed_at = NULL, reviewed_by = NULL`

	if _, err := tx.Exec(ctx, query, business, body); err != nil {
		return fmt.Errorf("verification: upsert application: %w", err)
	}
	return nil
}

// ReviewTx records the admin decision on a pending application.
func (r *Repository) ReviewTx(ctx context.Context, tx pgx.Tx, business string, status Status, reviewer string, reason *string) error {
	const query = `
		UPDATE kyc_applications
		SET status = $2, rejection_reason = $3, reviewed_at = now(), reviewed_by = $4
		WHERE business = $1`

	tag, err := tx.Exec(ctx, query, business, status, reason, reviewer)
	if err != nil {
		return fmt.Errorf("verification: review application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// VerifiedTx reports whether the business passed KYC, inside the caller's
// transaction. Used as the gate check by invoice creation.
func (r *Repository) VerifiedTx(ctx context.Context, tx pgx.Tx, business string) (bool, error) {
	const query = `SELECT status = 'verified' FROM kyc_applications WHERE business = $1`

	var verified bool
	err := tx.QueryRow(ctx, query, business).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verification: query verified: %w", err)
	}
	return verified, nil
}

// IsVerified reports whether the business passed KYC.
func (r *Repository) IsVerified(ctx context.Context, business string) (bool, error) {
	const query = `SELECT status = 'verified' FROM kyc_applications WHERE business = $1`

	var verified bool
	err := r.db.QueryRow(ctx, query, business).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verification: query verified: %w", err)
	}
	return verified, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var (
		app     Application
		payload []byte
	)
	err := row.Scan(&app.Business, &payload, &app.Status, &app.RejectionReason,
		&app.SubmittedAt, &app.ReviewedAt, &app.ReviewedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Application{}, ErrApplicationNotFound
	}
	if err != nil {
		return Application{}, fmt.Errorf("verification: scan application: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &app.Payload); err != nil {
			return Application{}, fmt.Errorf("verification: decode payload: %w", err)
		}
	}
	return app, nil
}
