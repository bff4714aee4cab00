package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"lendflow/audit"
)

var (
	// ErrUnauthorized signals the caller is not allowed to perform the operation.
	ErrUnauthorized = errors.New("verification: unauthorized")
	// ErrNotVerifiedBusiness signals the business has not passed KYC.
	ErrNotVerifiedBusiness = errors.New("verification: business not verified")
	// ErrAlreadyVerified signals a redundant submission or review for a
	// business that already passed KYC.
	ErrAlreadyVerified = errors.New("verification: business already verified")
)

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ledgerGuard interface {
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

type applicationStore interface {
	Get(ctx context.Context, business string) (Application, error)
	StatusTx(ctx context.Context, tx pgx.Tx, business string) (Status, error)
	UpsertPendingTx(ctx context.Context, tx pgx.Tx, business string, payload map[string]any) error
	ReviewTx(ctx context.Context, tx pgx.Tx, business string, status Status, reviewer string, reason *string) error
	IsVerified(ctx context.Context, business string) (bool, error)
}

// Service is the verification gate: it accepts KYC submissions and lets the
// platform admin approve or reject them.
type Service struct {
	pool  TxBeginner
	repo  applicationStore
	aud   ledgerGuard
	admin string
}

func NewService(pool TxBeginner, repo applicationStore, aud ledgerGuard, admin string) *Service {
	return &Service{pool: pool, repo: repo, aud: aud, admin: admin}
}

// SubmitKYC stores a pending application for the business. Resubmission
// overwrites the pending record and restarts a rejected review; submitting
// while already verified fails.
func (s *Service) SubmitKYC(ctx context.Context, business string, payload map[string]any) error {
	if business == "" {
		return fmt.Errorf("verification: business is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("verification: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}

	status, err := s.repo.StatusTx(ctx, tx, business)
	if err != nil && !errors.Is(err, ErrApplicationNotFound) {
		return err
	}
	if status == StatusVerified {
		return ErrAlreadyVerified
	}

	if err := s.repo.UpsertPendingTx(ctx, tx, business, payload); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpKYCSubmitted,
		Actor:     business,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verification: commit: %w", err)
	}
	return nil
}

// VerifyBusiness marks a pending application verified. Admin only.
func (s *Service) VerifyBusiness(ctx context.Context, caller, business string) error {
	return s.review(ctx, caller, business, StatusVerified, nil)
}

// RejectBusiness marks a pending application rejected with a reason. Admin only.
func (s *Service) RejectBusiness(ctx context.Context, caller, business, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("verification: rejection reason is required")
	}
	return s.review(ctx, caller, business, StatusRejected, &reason)
}

func (s *Service) review(ctx context.Context, caller, business string, next Status, reason *string) error {
	if caller != s.admin {
		return ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("verification: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}

	status, err := s.repo.StatusTx(ctx, tx, business)
	if err != nil {
		return err
	}
	switch status {
	case StatusPending:
		// reviewable
	case StatusVerified:
		return ErrAlreadyVerified
	default:
		return ErrApplicationNotFound
	}

	if err := s.repo.ReviewTx(ctx, tx, business, next, caller, reason); err != nil {
		return err
	}

	op := audit.OpBusinessVerified
	details := map[string]any{"business": business}
	if next == StatusRejected {
		op = audit.OpBusinessRejected
		details["reason"] = *reason
	}
	err = s.aud.Append(ctx, tx, audit.Entry{Operation: op, Actor: caller, Details: details})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verification: commit: %w", err)
	}
	return nil
}

// Status returns the KYC application for the business.
func (s *Service) Status(ctx context.Context, business string) (Application, error) {
	if business == "" {
		return Application{}, fmt.Errorf("verification: business is required")
	}
	return s.repo.Get(ctx, business)
}

// IsVerified reports whether the business passed KYC.
func (s *Service) IsVerified(ctx context.Context, business string) (bool, error) {
	if business == "" {
		return false, fmt.Errorf("verification: business is required")
	}
	return s.repo.IsVerified(ctx, business)
}
