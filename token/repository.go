package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transfer is one recorded balance movement.
type Transfer struct {
	ID        string
	From      string
	To        string
	Amount    int64
	Currency  string
	CreatedAt time.Time
}

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads balances and transfer history.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Balance returns the current balance for the address, zero if the account
// has never been credited.
func (r *Repository) Balance(ctx context.Context, address, currency string) (int64, error) {
	const query = `SELECT balance FROM token_accounts WHERE address = $1 AND currency = $2`

	var balance int64
	err := r.db.QueryRow(ctx, query, address, currency).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("token: query balance: %w", err)
	}
	return balance, nil
}

// Transfers returns movements touching the address, newest first.
func (r *Repository) Transfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	const query = `
		SELECT id, from_address, to_address, amount, currency, created_at
		FROM token_transfers
		WHERE from_address = $1 OR to_address = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("token: query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Currency, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("token: scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
