// Package token tracks stablecoin balances for every ledger participant
// and the transfer log those balances derive from.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the payer's balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	// ErrInvalidTransfer is returned for malformed transfer parameters.
	ErrInvalidTransfer = errors.New("token: invalid transfer")
)

// MintAddress is the pseudo account new supply is issued from. It never
// carries a balance, so total supply equals the sum of mint transfers.
const MintAddress = "mint"

// Ledger moves balances inside a caller-owned transaction. Callers hold
// the ledger lock, so balance read-modify-write is race-free.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Transfer moves amount between two addresses and records the movement.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64, currency string) error {
	if from == "" || to == "" || currency == "" || from == to || amount <= 0 {
		return ErrInvalidTransfer
	}

	const debit = `
		UPDATE token_accounts
		SET balance = balance - $3, updated_at = now()
		WHERE address = $1 AND currency = $2 AND balance >= $3`

	tag, err := tx.Exec(ctx, debit, from, currency, amount)
	if err != nil {
		return fmt.Errorf("token: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s needs %d %s", ErrInsufficientFunds, from, amount, currency)
	}
	return l.credit(ctx, tx, from, to, amount, currency)
}

// Issue credits freshly minted supply to an address.
func (l *Ledger) Issue(ctx context.Context, tx pgx.Tx, to string, amount int64, currency string) error {
	if to == "" || currency == "" || to == MintAddress || amount <= 0 {
		return ErrInvalidTransfer
	}
	return l.credit(ctx, tx, MintAddress, to, amount, currency)
}

func (l *Ledger) credit(ctx context.Context, tx pgx.Tx, from, to string, amount int64, currency string) error {
	const upsert = `
		INSERT INTO token_accounts (address, currency, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (address, currency)
		DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance, updated_at = now()`

	if _, err := tx.Exec(ctx, upsert, to, currency, amount); err != nil {
		return fmt.Errorf("token: credit %s: %w", to, err)
	}

	const record = `
		INSERT INTO token_transfers (from_address, to_address, amount, currency)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, record, from, to, amount, currency); err != nil {
		return fmt.Errorf("token: record transfer: %w", err)
	}
	return nil
}
