package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/verification"
)

var (
	// ErrInvalidAmount signals a non-positive invoice amount.
	ErrInvalidAmount = errors.New("invoice: amount must be positive")
	// ErrInvalidDescription signals an empty or oversized description.
	ErrInvalidDescription = errors.New("invoice: invalid description")
	// ErrDueDateInvalid signals a due date not in the future.
	ErrDueDateInvalid = errors.New("invoice: due date must be in the future")
	// ErrInvalidCategory signals an unknown category.
	ErrInvalidCategory = errors.New("invoice: invalid category")
	// ErrInvalidTag signals a tag outside the 1-50 character bound or more
	// than ten tags.
	ErrInvalidTag = errors.New("invoice: invalid tags")
	// ErrInvalidRating signals a score outside 1-5.
	ErrInvalidRating = errors.New("invoice: rating must be between 1 and 5")
	// ErrInvalidStatusTransition signals an illegal status machine move.
	ErrInvalidStatusTransition = errors.New("invoice: invalid status transition")
)

const (
	maxDescriptionLen = 500
	maxTags           = 10
	maxTagLen         = 50
)

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type verificationGate interface {
	VerifiedTx(ctx context.Context, tx pgx.Tx, business string) (bool, error)
}

type invoiceStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, inv Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next Status) error
	List(ctx context.Context, f Filters) ([]Invoice, error)
	InsertRatingTx(ctx context.Context, tx pgx.Tx, rating Rating) error
	AcceptedInvestorTx(ctx context.Context, tx pgx.Tx, invoiceID string) (string, error)
	Ratings(ctx context.Context, invoiceID string) ([]Rating, error)
}

// Service owns the invoice collection. Every other component moves invoices
// through their status machine via its repository inside composite
// transactions; external callers only reach the operations below.
type Service struct {
	pool  TxBeginner
	repo  invoiceStore
	gate  verificationGate
	aud   ledgerGuard
	admin string
	now   func() time.Time
}

func NewService(pool TxBeginner, repo invoiceStore, gate verificationGate, aud ledgerGuard, admin string) *Service {
	return &Service{pool: pool, repo: repo, gate: gate, aud: aud, admin: admin, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store validates and registers a new pending invoice for the business.
func (s *Service) Store(ctx context.Context, business string, params CreateParams) (Invoice, error) {
	if business == "" {
		return Invoice{}, verification.ErrUnauthorized
	}
	if params.Amount <= 0 {
		return Invoice{}, ErrInvalidAmount
	}
	if params.Currency == "" {
		return Invoice{}, fmt.Errorf("invoice: currency is required")
	}
	description := strings.TrimSpace(params.Description)
	if description == "" || len(description) > maxDescriptionLen {
		return Invoice{}, ErrInvalidDescription
	}
	if !params.Category.Valid() {
		return Invoice{}, ErrInvalidCategory
	}
	if len(params.Tags) > maxTags {
		return Invoice{}, ErrInvalidTag
	}
	for _, tag := range params.Tags {
		if tag == "" || len(tag) > maxTagLen {
			return Invoice{}, ErrInvalidTag
		}
	}
	now := s.now()
	if !params.DueDate.After(now) {
		return Invoice{}, ErrDueDateInvalid
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Invoice{}, err
	}

	verified, err := s.gate.VerifiedTx(ctx, tx, business)
	if err != nil {
		return Invoice{}, err
	}
	if !verified {
		return Invoice{}, verification.ErrNotVerifiedBusiness
	}

	inv := Invoice{
		ID:          NewID(business, params.Currency, fmt.Sprint(params.Amount), description),
		Business:    business,
		Amount:      params.Amount,
		Currency:    params.Currency,
		DueDate:     params.DueDate,
		Description: description,
		Category:    params.Category,
		Tags:        params.Tags,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if inv.Tags == nil {
		inv.Tags = []string{}
	}
	if err := s.repo.InsertTx(ctx, tx, inv); err != nil {
		return Invoice{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpInvoiceCreated,
		Actor:     business,
		InvoiceID: &inv.ID,
		Details: map[string]any{
			"amount":   inv.Amount,
			"currency": inv.Currency,
			"category": inv.Category,
		},
	})
	if err != nil {
		return Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit: %w", err)
	}
	return inv, nil
}

// Get returns the invoice by id.
func (s *Service) Get(ctx context.Context, id string) (Invoice, error) {
	if id == "" {
		return Invoice{}, ErrInvoiceNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns invoices matching the filters.
func (s *Service) List(ctx context.Context, f Filters) ([]Invoice, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return s.repo.List(ctx, f)
}

// UpdateStatus drives the invoice status machine directly. Admin only.
// Funding, payout, default and dispute transitions belong to bid acceptance,
// escrow finalization and dispute handling, so the only move accepted here
// is Pending to Verified; everything else is rejected even when the machine
// would allow it.
func (s *Service) UpdateStatus(ctx context.Context, caller, id string, next Status) (Invoice, error) {
	if caller != s.admin {
		return Invoice{}, verification.ErrUnauthorized
	}
	if next != StatusVerified {
		return Invoice{}, ErrInvalidStatusTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Invoice{}, err
	}

	inv, err := s.repo.GetTx(ctx, tx, id)
	if err != nil {
		return Invoice{}, err
	}
	if !inv.Status.CanTransition(next) {
		return Invoice{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, inv.Status, next)
	}
	if err := s.repo.SetStatusTx(ctx, tx, id, next); err != nil {
		return Invoice{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpInvoiceStatusSet,
		Actor:     caller,
		InvoiceID: &id,
		Details:   map[string]any{"from": inv.Status, "to": next},
	})
	if err != nil {
		return Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit: %w", err)
	}
	inv.Status = next
	return inv, nil
}

// AddRating lets the financing investor score a paid invoice once.
func (s *Service) AddRating(ctx context.Context, rater, id string, score int, feedback string) error {
	if score < 1 || score > 5 {
		return ErrInvalidRating
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invoice: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}

	inv, err := s.repo.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if inv.Status != StatusPaid {
		return fmt.Errorf("%w: rating requires a paid invoice", ErrInvalidStatusTransition)
	}
	investor, err := s.repo.AcceptedInvestorTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if investor == "" || investor != rater {
		return verification.ErrUnauthorized
	}

	rating := Rating{InvoiceID: id, Rater: rater, Score: score, Feedback: strings.TrimSpace(feedback)}
	if err := s.repo.InsertRatingTx(ctx, tx, rating); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpInvoiceRated,
		Actor:     rater,
		InvoiceID: &id,
		Details:   map[string]any{"score": score},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invoice: commit: %w", err)
	}
	return nil
}

// Ratings returns the individual scores for the invoice.
func (s *Service) Ratings(ctx context.Context, id string) ([]Rating, error) {
	if id == "" {
		return nil, ErrInvoiceNotFound
	}
	return s.repo.Ratings(ctx, id)
}
