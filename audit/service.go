package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner matches the subset of pgxpool.Pool the service needs to open
// transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type trailReader interface {
	Trail(ctx context.Context, invoiceID string) ([]Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	StatsTx(ctx context.Context, tx pgx.Tx) (count, minSeq, maxSeq int64, err error)
	GapsTx(ctx context.Context, tx pgx.Tx) ([]Gap, error)
}

type ledgerControl interface {
	Lock(ctx context.Context, tx pgx.Tx) error
	Halt(ctx context.Context, tx pgx.Tx, reason string) error
}

// Service exposes trail reads and integrity validation.
type Service struct {
	pool TxBeginner
	repo trailReader
	rec  ledgerControl
}

func NewService(pool TxBeginner, repo trailReader, rec ledgerControl) *Service {
	return &Service{pool: pool, repo: repo, rec: rec}
}

// Trail returns the audit history of one invoice, oldest first.
func (s *Service) Trail(ctx context.Context, invoiceID string) ([]Entry, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("audit: invoice id is required")
	}
	return s.repo.Trail(ctx, invoiceID)
}

// Query result sizes are always bounded, even when the caller asks for
// everything.
const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Query returns entries matching the filter, oldest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	return s.repo.Query(ctx, f)
}

// ValidateIntegrity checks the trail for sequence holes. On the first
// violation it halts the ledger, commits the halt so it outlives this call,
// and returns ErrIntegrityViolation. Validation runs under the ledger lock
// so concurrent mutations cannot smear the view, and it still runs while
// the ledger is already halted.
func (s *Service) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.rec.Lock(ctx, tx); err != nil {
		return IntegrityReport{}, err
	}

	count, minSeq, maxSeq, err := s.repo.StatsTx(ctx, tx)
	if err != nil {
		return IntegrityReport{}, err
	}
	gaps, err := s.repo.GapsTx(ctx, tx)
	if err != nil {
		return IntegrityReport{}, err
	}
	if count > 0 && minSeq != 1 {
		gaps = append([]Gap{{After: 0, Next: minSeq}}, gaps...)
	}

	report := IntegrityReport{Entries: count, MaxSeq: maxSeq, Gaps: gaps}
	if len(gaps) == 0 {
		return report, nil
	}

	reason := fmt.Sprintf("audit trail gap after seq %d", gaps[0].After)
	if err := s.rec.Halt(ctx, tx, reason); err != nil {
		return report, err
	}
	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("audit: commit halt: %w", err)
	}
	return report, fmt.Errorf("%w: %s", ErrIntegrityViolation, reason)
}
