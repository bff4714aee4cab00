package bid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/invoice"
	"lendflow/verification"
)

var (
	// ErrInvalidBidAmount signals a non-positive bid, a bid above the invoice
	// amount, or an expected return below the bid.
	ErrInvalidBidAmount = errors.New("bid: invalid bid amount")
	// ErrBidAlreadyAccepted signals the bid, or another bid on the invoice,
	// was already accepted.
	ErrBidAlreadyAccepted = errors.New("bid: already accepted")
)

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type bidStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, b Bid) error
	Get(ctx context.Context, id string) (Bid, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Bid, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next Status) error
	RejectOthersTx(ctx context.Context, tx pgx.Tx, invoiceID, acceptedID string) (int64, error)
	ListForInvoice(ctx context.Context, invoiceID string) ([]Bid, error)
	Best(ctx context.Context, invoiceID string) (Bid, error)
}

type invoiceStore interface {
	GetTx(ctx context.Context, tx pgx.Tx, id string) (invoice.Invoice, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next invoice.Status) error
}

type escrowOpener interface {
	CreateTx(ctx context.Context, tx pgx.Tx, invoiceID, investor string, amount int64, currency string) error
}

// Service runs the bid book. Acceptance is the one composite operation of
// the ledger: bid accepted, rivals rejected, invoice funded and escrow
// opened commit together or not at all.
type Service struct {
	pool     TxBeginner
	repo     bidStore
	invoices invoiceStore
	escrows  escrowOpener
	aud      ledgerGuard
	now      func() time.Time
}

func NewService(pool TxBeginner, repo bidStore, invoices invoiceStore, escrows escrowOpener, aud ledgerGuard) *Service {
	return &Service{pool: pool, repo: repo, invoices: invoices, escrows: escrows, aud: aud, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Place registers an investor offer against a verified invoice.
func (s *Service) Place(ctx context.Context, investor, invoiceID string, bidAmount, expectedReturn int64) (Bid, error) {
	if investor == "" {
		return Bid{}, verification.ErrUnauthorized
	}
	if bidAmount <= 0 || expectedReturn < bidAmount {
		return Bid{}, ErrInvalidBidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Bid{}, err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return Bid{}, err
	}
	if inv.Status != invoice.StatusVerified {
		return Bid{}, fmt.Errorf("%w: bids require a verified invoice, have %s",
			invoice.ErrInvalidStatusTransition, inv.Status)
	}
	if bidAmount > inv.Amount {
		return Bid{}, ErrInvalidBidAmount
	}

	now := s.now()
	b := Bid{
		ID:             invoice.NewID(invoiceID, investor, fmt.Sprint(bidAmount)),
		InvoiceID:      invoiceID,
		Investor:       investor,
		BidAmount:      bidAmount,
		ExpectedReturn: expectedReturn,
		Status:         StatusPlaced,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertTx(ctx, tx, b); err != nil {
		return Bid{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBidPlaced,
		Actor:     investor,
		InvoiceID: &invoiceID,
		Details:   map[string]any{"bid_id": b.ID, "bid_amount": bidAmount, "expected_return": expectedReturn},
	})
	if err != nil {
		return Bid{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit: %w", err)
	}
	return b, nil
}

// Accept funds the invoice with the chosen bid. Caller must be the
// invoice's business. The chosen bid becomes accepted, every other placed
// bid is rejected, the invoice moves to funded and the escrow opens holding
// the bid amount, all in one transaction.
func (s *Service) Accept(ctx context.Context, caller, invoiceID, bidID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bid: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}

	inv, err := s.invoices.GetTx(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Business != caller {
		return verification.ErrUnauthorized
	}
	switch inv.Status {
	case invoice.StatusVerified:
		// fundable
	case invoice.StatusFunded:
		return ErrBidAlreadyAccepted
	default:
		return fmt.Errorf("%w: acceptance requires a verified invoice, have %s",
			invoice.ErrInvalidStatusTransition, inv.Status)
	}

	b, err := s.repo.GetTx(ctx, tx, bidID)
	if err != nil {
		return err
	}
	if b.InvoiceID != invoiceID {
		return ErrBidNotFound
	}
	if b.Status != StatusPlaced {
		return fmt.Errorf("%w: bid is %s", ErrBidAlreadyAccepted, b.Status)
	}

	if err := s.repo.SetStatusTx(ctx, tx, bidID, StatusAccepted); err != nil {
		return err
	}
	rejected, err := s.repo.RejectOthersTx(ctx, tx, invoiceID, bidID)
	if err != nil {
		return err
	}
	if err := s.invoices.SetStatusTx(ctx, tx, invoiceID, invoice.StatusFunded); err != nil {
		return err
	}
	if err := s.escrows.CreateTx(ctx, tx, invoiceID, b.Investor, b.BidAmount, inv.Currency); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBidAccepted,
		Actor:     caller,
		InvoiceID: &invoiceID,
		Details: map[string]any{
			"bid_id":     bidID,
			"investor":   b.Investor,
			"bid_amount": b.BidAmount,
			"rejected":   rejected,
		},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bid: commit: %w", err)
	}
	return nil
}

// Withdraw retracts a placed bid. Only the bidder may withdraw, and only
// while the bid is still placed.
func (s *Service) Withdraw(ctx context.Context, investor, bidID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bid: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}

	b, err := s.repo.GetTx(ctx, tx, bidID)
	if err != nil {
		return err
	}
	if b.Investor != investor {
		return verification.ErrUnauthorized
	}
	switch b.Status {
	case StatusPlaced:
		// withdrawable
	case StatusAccepted:
		return ErrBidAlreadyAccepted
	default:
		return fmt.Errorf("%w: bid is %s", invoice.ErrInvalidStatusTransition, b.Status)
	}

	if err := s.repo.SetStatusTx(ctx, tx, bidID, StatusWithdrawn); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBidWithdrawn,
		Actor:     investor,
		InvoiceID: &b.InvoiceID,
		Details:   map[string]any{"bid_id": bidID},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bid: commit: %w", err)
	}
	return nil
}

// Get returns the bid by id.
func (s *Service) Get(ctx context.Context, id string) (Bid, error) {
	if id == "" {
		return Bid{}, ErrBidNotFound
	}
	return s.repo.Get(ctx, id)
}

// ListForInvoice returns every bid on the invoice, best offer first.
func (s *Service) ListForInvoice(ctx context.Context, invoiceID string) ([]Bid, error) {
	if invoiceID == "" {
		return nil, invoice.ErrInvoiceNotFound
	}
	return s.repo.ListForInvoice(ctx, invoiceID)
}

// Best returns the most attractive placed bid on the invoice.
func (s *Service) Best(ctx context.Context, invoiceID string) (Bid, error) {
	if invoiceID == "" {
		return Bid{}, invoice.ErrInvoiceNotFound
	}
	return s.repo.Best(ctx, invoiceID)
}
