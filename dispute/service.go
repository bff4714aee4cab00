package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/escrow"
	"lendflow/invoice"
	"lendflow/verification"
)

var (
	// ErrDisputeResolved signals the dispute was already ruled on.
	ErrDisputeResolved = errors.New("dispute: already resolved")
	// ErrInvalidReason signals an empty or oversized dispute reason.
	ErrInvalidReason = errors.New("dispute: invalid reason")
)

const maxReasonLen = 500

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type disputeStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, d Dispute) error
	Get(ctx context.Context, invoiceID string) (Dispute, error)
	GetTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Dispute, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, invoiceID string, res Resolution) error
	ListOpen(ctx context.Context) ([]Dispute, error)
	AcceptedInvestorTx(ctx context.Context, tx pgx.Tx, invoiceID string) (string, error)
}

type invoiceStore interface {
	GetTx(ctx context.Context, tx pgx.Tx, id string) (invoice.Invoice, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next invoice.Status) error
}

type escrowFinalizer interface {
	ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID, business string) (escrow.Escrow, error)
	RefundTx(ctx context.Context, tx pgx.Tx, invoiceID string) (escrow.Escrow, error)
}

// Service opens disputes on funded invoices and applies admin rulings.
type Service struct {
	pool     TxBeginner
	repo     disputeStore
	invoices invoiceStore
	escrows  escrowFinalizer
	aud      ledgerGuard
	admin    string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo disputeStore, invoices invoiceStore, escrows escrowFinalizer, aud ledgerGuard, admin string) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		invoices: invoices,
		escrows:  escrows,
		aud:      aud,
		admin:    admin,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a dispute on a funded invoice. Only the invoice's business
// or the funding investor may raise one; the invoice moves to disputed,
// freezing payments until an admin rules.
func (s *Service) Create(ctx context.Context, raiser, invoiceID, reason string) (Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > maxReasonLen {
		return Dispute{}, ErrInvalidReason
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Dispute{}, err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	// An open dispute already moved the invoice off funded, so check for the
	// duplicate first or the status refusal would mask it.
	if _, err := s.repo.GetTx(ctx, tx, invoiceID); err == nil {
		return Dispute{}, ErrDuplicateDispute
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return Dispute{}, err
	}
	if inv.Status != invoice.StatusFunded {
		return Dispute{}, fmt.Errorf("%w: disputes require a funded invoice, have %s",
			invoice.ErrInvalidStatusTransition, inv.Status)
	}
	if raiser != inv.Business {
		investor, err := s.repo.AcceptedInvestorTx(ctx, tx, invoiceID)
		if err != nil {
			return Dispute{}, err
		}
		if raiser != investor || investor == "" {
			return Dispute{}, verification.ErrUnauthorized
		}
	}

	d := Dispute{
		InvoiceID: invoiceID,
		RaisedBy:  raiser,
		Reason:    reason,
		Status:    StatusUnderReview,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertTx(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, invoice.StatusDisputed); err != nil {
		return Dispute{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpDisputeCreated,
		Actor:     raiser,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"reason": reason},
	})
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return d, nil
}

// Resolve applies an admin ruling. Favoring the business releases the
// escrow and pays the invoice; favoring the investor refunds the escrow and
// defaults it. Dispute, escrow and invoice settle in one transaction.
func (s *Service) Resolve(ctx context.Context, admin, invoiceID string, outcome Outcome) (Dispute, error) {
	if admin != s.admin {
		return Dispute{}, verification.ErrUnauthorized
	}
	if !outcome.Valid() {
		return Dispute{}, fmt.Errorf("dispute: unknown outcome %q", outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Dispute{}, err
	}

	d, err := s.repo.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusResolved {
		return Dispute{}, ErrDisputeResolved
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	if inv.Status != invoice.StatusDisputed {
		return Dispute{}, fmt.Errorf("%w: resolution requires a disputed invoice, have %s",
			invoice.ErrInvalidStatusTransition, inv.Status)
	}

	var next invoice.Status
	switch outcome {
	case FavorBusiness:
		if _, err := s.escrows.ReleaseTx(ctx, tx, invoiceID, inv.Business); err != nil {
			return Dispute{}, err
		}
		next = invoice.StatusPaid
	case FavorInvestor:
		if _, err := s.escrows.RefundTx(ctx, tx, invoiceID); err != nil {
			return Dispute{}, err
		}
		next = invoice.StatusDefaulted
	}
	if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, next); err != nil {
		return Dispute{}, err
	}

	res := Resolution{Outcome: outcome, ResolvedBy: admin, ResolvedAt: s.now()}
	if err := s.repo.ResolveTx(ctx, tx, invoiceID, res); err != nil {
		return Dispute{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpDisputeResolved,
		Actor:     admin,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"outcome": string(outcome)},
	})
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}

	d.Status = StatusResolved
	d.Resolution = &res
	return d, nil
}

// Get returns the dispute for the invoice.
func (s *Service) Get(ctx context.Context, invoiceID string) (Dispute, error) {
	if invoiceID == "" {
		return Dispute{}, ErrDisputeNotFound
	}
	return s.repo.Get(ctx, invoiceID)
}

// ListOpen returns every dispute still under review.
func (s *Service) ListOpen(ctx context.Context) ([]Dispute, error) {
	return s.repo.ListOpen(ctx)
}
