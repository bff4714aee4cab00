package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/config"
	"lendflow/invoice"
	"lendflow/verification"
)

// ErrDefaultNotReached signals a refund request before the due date plus
// grace period has passed.
var ErrDefaultNotReached = errors.New("escrow: default grace period not reached")

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type fundsManager interface {
	ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID, business string) (Escrow, error)
	RefundTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Escrow, error)
	GetTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Escrow, error)
}

type transferer interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64, currency string) error
}

type paymentStore interface {
	Get(ctx context.Context, invoiceID string) (Escrow, error)
	Payments(ctx context.Context, invoiceID string) ([]Payment, error)
	PaidTotalTx(ctx context.Context, tx pgx.Tx, invoiceID string) (int64, error)
	InsertPaymentTx(ctx context.Context, tx pgx.Tx, invoiceID, payer string, amount int64) error
	AcceptedBidTx(ctx context.Context, tx pgx.Tx, invoiceID string) (investor string, bidAmount, expectedReturn int64, err error)
}

type invoiceStore interface {
	GetTx(ctx context.Context, tx pgx.Tx, id string) (invoice.Invoice, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next invoice.Status) error
}

// Service finalizes escrows and accumulates repayments toward settlement.
type Service struct {
	pool     TxBeginner
	mgr      fundsManager
	ledger   transferer
	repo     paymentStore
	invoices invoiceStore
	aud      ledgerGuard
	cfg      config.Ledger
	now      func() time.Time
}

func NewService(pool TxBeginner, mgr fundsManager, ledger transferer, repo paymentStore, invoices invoiceStore, aud ledgerGuard, cfg config.Ledger) *Service {
	return &Service{pool: pool, mgr: mgr, ledger: ledger, repo: repo, invoices: invoices, aud: aud, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Release pays the held funds out to the business and marks the invoice
// paid. Only the configured admin confirms payouts; the dispute path
// releases internally through the manager instead.
func (s *Service) Release(ctx context.Context, caller, invoiceID string) (Escrow, error) {
	if caller != s.cfg.AdminAccount {
		return Escrow{}, verification.ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Escrow{}, err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Escrow{}, err
	}
	if inv.Status != invoice.StatusFunded {
		return Escrow{}, s.refuseFinalize(ctx, tx, invoiceID, "release", inv.Status)
	}

	esc, err := s.mgr.ReleaseTx(ctx, tx, invoiceID, inv.Business)
	if err != nil {
		return Escrow{}, err
	}
	if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, invoice.StatusPaid); err != nil {
		return Escrow{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpEscrowReleased,
		Actor:     caller,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"held_amount": esc.HeldAmount, "to": inv.Business},
	})
	if err != nil {
		return Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return esc, nil
}

// Refund returns the held funds to the investor after the business
// defaulted: the due date plus the configured grace period has passed
// without settlement. Marks the invoice defaulted. Admin only.
func (s *Service) Refund(ctx context.Context, caller, invoiceID string) (Escrow, error) {
	if caller != s.cfg.AdminAccount {
		return Escrow{}, verification.ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Escrow{}, err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Escrow{}, err
	}
	if inv.Status != invoice.StatusFunded {
		return Escrow{}, s.refuseFinalize(ctx, tx, invoiceID, "refund", inv.Status)
	}
	if s.now().Before(inv.DueDate.Add(s.cfg.GracePeriod())) {
		return Escrow{}, ErrDefaultNotReached
	}

	esc, err := s.mgr.RefundTx(ctx, tx, invoiceID)
	if err != nil {
		return Escrow{}, err
	}
	if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, invoice.StatusDefaulted); err != nil {
		return Escrow{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpEscrowRefunded,
		Actor:     caller,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"held_amount": esc.HeldAmount, "to": esc.Investor},
	})
	if err != nil {
		return Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return esc, nil
}

// refuseFinalize explains why a finalizer cannot run on a non-funded
// invoice. Once the escrow is resolved the first finalizer already won and
// the conflict is the escrow's, not the invoice status.
func (s *Service) refuseFinalize(ctx context.Context, tx pgx.Tx, invoiceID, op string, have invoice.Status) error {
	if esc, err := s.mgr.GetTx(ctx, tx, invoiceID); err == nil && esc.Status != StatusCreated {
		return fmt.Errorf("%w: escrow is %s", ErrEscrowAlreadyResolved, esc.Status)
	}
	return fmt.Errorf("%w: %s requires a funded invoice, have %s",
		invoice.ErrInvalidStatusTransition, op, have)
}

// RecordPayment moves one repayment from the business to the investor.
// The payment completing the expected return settles the invoice in the same
// transaction: the platform fee is charged on the investor profit, the
// escrow is released back to the business and the invoice becomes paid.
// Returns true when this payment settled the invoice.
func (s *Service) RecordPayment(ctx context.Context, business, invoiceID string, amount int64) (bool, error) {
	return s.record(ctx, business, invoiceID, amount, false)
}

// Settle records the outstanding remainder in one call.
func (s *Service) Settle(ctx context.Context, business, invoiceID string) (bool, error) {
	return s.record(ctx, business, invoiceID, 0, true)
}

func (s *Service) record(ctx context.Context, business, invoiceID string, amount int64, full bool) (bool, error) {
	if !full && amount <= 0 {
		return false, invoice.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("escrow: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return false, err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return false, err
	}
	if inv.Business != business {
		return false, verification.ErrUnauthorized
	}
	if inv.Status != invoice.StatusFunded {
		return false, fmt.Errorf("%w: repayment requires a funded invoice, have %s",
			invoice.ErrInvalidStatusTransition, inv.Status)
	}

	esc, err := s.mgr.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return false, err
	}
	if esc.Status != StatusCreated {
		return false, fmt.Errorf("%w: escrow is %s", ErrEscrowAlreadyResolved, esc.Status)
	}

	investor, bidAmount, expectedReturn, err := s.repo.AcceptedBidTx(ctx, tx, invoiceID)
	if err != nil {
		return false, err
	}
	paid, err := s.repo.PaidTotalTx(ctx, tx, invoiceID)
	if err != nil {
		return false, err
	}
	outstanding := expectedReturn - paid
	if full {
		amount = outstanding
	}
	if amount <= 0 || amount > outstanding {
		return false, invoice.ErrInvalidAmount
	}

	if err := s.ledger.Transfer(ctx, tx, business, investor, amount, inv.Currency); err != nil {
		return false, err
	}
	if err := s.repo.InsertPaymentTx(ctx, tx, invoiceID, business, amount); err != nil {
		return false, err
	}

	settled := amount == outstanding
	entry := audit.Entry{
		Operation: audit.OpPaymentRecorded,
		Actor:     business,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"amount": amount, "outstanding": outstanding - amount},
	}
	if settled {
		profit := expectedReturn - bidAmount
		fee := profit * s.cfg.FeeBps / 10000
		if fee > 0 {
			if err := s.ledger.Transfer(ctx, tx, business, s.cfg.PlatformAccount, fee, inv.Currency); err != nil {
				return false, err
			}
		}
		if _, err := s.mgr.ReleaseTx(ctx, tx, invoiceID, business); err != nil {
			return false, err
		}
		if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, invoice.StatusPaid); err != nil {
			return false, err
		}
		entry.Operation = audit.OpInvoiceSettled
		entry.Details = map[string]any{"amount": amount, "fee": fee, "expected_return": expectedReturn}
	}

	if err := s.aud.Append(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("escrow: commit: %w", err)
	}
	return settled, nil
}

// Get returns the escrow for the invoice.
func (s *Service) Get(ctx context.Context, invoiceID string) (Escrow, error) {
	if invoiceID == "" {
		return Escrow{}, ErrEscrowNotFound
	}
	return s.repo.Get(ctx, invoiceID)
}

// Payments returns the repayments recorded for the invoice.
func (s *Service) Payments(ctx context.Context, invoiceID string) ([]Payment, error) {
	if invoiceID == "" {
		return nil, ErrEscrowNotFound
	}
	return s.repo.Payments(ctx, invoiceID)
}
