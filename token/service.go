package token

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/verification"
)

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type balanceReader interface {
	Balance(ctx context.Context, address, currency string) (int64, error)
	Transfers(ctx context.Context, address string, limit int) ([]Transfer, error)
}

// Service exposes supply management and balance reads.
type Service struct {
	pool   TxBeginner
	ledger *Ledger
	repo   balanceReader
	aud    ledgerGuard
	admin  string
}

func NewService(pool TxBeginner, ledger *Ledger, repo balanceReader, aud ledgerGuard, admin string) *Service {
	return &Service{pool: pool, ledger: ledger, repo: repo, aud: aud, admin: admin}
}

// Mint issues new supply to an address. Only the platform admin may mint.
func (s *Service) Mint(ctx context.Context, caller, to string, amount int64, currency string) error {
	if caller != s.admin {
		return verification.ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}
	if err := s.ledger.Issue(ctx, tx, to, amount, currency); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpTokensMinted,
		Actor:     caller,
		Details:   map[string]any{"to": to, "amount": amount, "currency": currency},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit: %w", err)
	}
	return nil
}

// Balance returns the address balance, zero for unknown accounts.
func (s *Service) Balance(ctx context.Context, address, currency string) (int64, error) {
	if address == "" || currency == "" {
		return 0, ErrInvalidTransfer
	}
	return s.repo.Balance(ctx, address, currency)
}

// Transfers returns movements touching the address, newest first.
func (s *Service) Transfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	if address == "" {
		return nil, ErrInvalidTransfer
	}
	return s.repo.Transfers(ctx, address, limit)
}
