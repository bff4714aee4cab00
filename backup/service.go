package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/verification"
)

// TxBeginner matches the subset of pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ledgerControl is the full recorder surface: restore needs the raw lock
// and the halt switches on top of the usual guard and append.
type ledgerControl interface {
	Lock(ctx context.Context, tx pgx.Tx) error
	Guard(ctx context.Context, tx pgx.Tx) error
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error
	Halt(ctx context.Context, tx pgx.Tx, reason string) error
	ClearHalt(ctx context.Context, tx pgx.Tx) error
}

type backupStore interface {
	SnapshotTx(ctx context.Context, tx pgx.Tx) (string, error)
	InsertTx(ctx context.Context, tx pgx.Tx, b Backup, snapshot string) error
	Get(ctx context.Context, id string) (Backup, error)
	SnapshotForTx(ctx context.Context, tx pgx.Tx, id string) (snapshot, checksum string, err error)
	RestoreTx(ctx context.Context, tx pgx.Tx, snapshot string) error
	PruneTx(ctx context.Context, tx pgx.Tx, keep int) (int64, error)
	ArchiveTx(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context) ([]Backup, error)
}

// Service creates, validates and restores ledger snapshots. All operations
// are admin-only.
type Service struct {
	pool  TxBeginner
	repo  backupStore
	aud   ledgerControl
	admin string
	keep  int
	now   func() time.Time
}

func NewService(pool TxBeginner, repo backupStore, aud ledgerControl, admin string, keep int) *Service {
	return &Service{pool: pool, repo: repo, aud: aud, admin: admin, keep: keep, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create snapshots the whole ledger under the ledger lock, stores it with a
// checksum and prunes unarchived backups beyond the retention count.
func (s *Service) Create(ctx context.Context, admin, description string) (Backup, error) {
	if admin != s.admin {
		return Backup{}, verification.ErrUnauthorized
	}
	description = strings.TrimSpace(description)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return Backup{}, err
	}

	snapshot, err := s.repo.SnapshotTx(ctx, tx)
	if err != nil {
		return Backup{}, err
	}
	b := Backup{
		ID:          uuid.NewString(),
		Description: description,
		Checksum:    checksum(snapshot),
		CreatedAt:   s.now(),
	}
	if err := s.repo.InsertTx(ctx, tx, b, snapshot); err != nil {
		return Backup{}, err
	}
	pruned, err := s.repo.PruneTx(ctx, tx, s.keep)
	if err != nil {
		return Backup{}, err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBackupCreated,
		Actor:     admin,
		Details:   map[string]any{"backup_id": b.ID, "checksum": b.Checksum, "pruned": pruned},
	})
	if err != nil {
		return Backup{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Backup{}, fmt.Errorf("backup: commit: %w", err)
	}
	return b, nil
}

// Restore replaces the ledger with the snapshot. It runs under the raw
// ledger lock so a halted ledger can still be recovered; a successful
// restore lifts the halt. A checksum mismatch halts the ledger instead.
func (s *Service) Restore(ctx context.Context, admin, id string) error {
	if admin != s.admin {
		return verification.ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("backup: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Lock(ctx, tx); err != nil {
		return err
	}

	snapshot, stored, err := s.repo.SnapshotForTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if got := checksum(snapshot); got != stored {
		reason := fmt.Sprintf("backup %s checksum mismatch: stored %s, computed %s", id, stored, got)
		if err := s.aud.Halt(ctx, tx, reason); err != nil {
			return err
		}
		// Commit so the halt survives the failed restore.
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("backup: commit halt: %w", err)
		}
		return fmt.Errorf("%w: %s", audit.ErrIntegrityViolation, reason)
	}

	if err := s.repo.RestoreTx(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := s.aud.ClearHalt(ctx, tx); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBackupRestored,
		Actor:     admin,
		Details:   map[string]any{"backup_id": id},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("backup: commit: %w", err)
	}
	return nil
}

// Validate recomputes the snapshot checksum and reports whether it still
// matches the one recorded at creation. Read-only, no halt side effects.
func (s *Service) Validate(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("backup: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	snapshot, stored, err := s.repo.SnapshotForTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	return checksum(snapshot) == stored, nil
}

// Archive exempts the backup from retention pruning.
func (s *Service) Archive(ctx context.Context, admin, id string) error {
	if admin != s.admin {
		return verification.ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("backup: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.aud.Guard(ctx, tx); err != nil {
		return err
	}
	if err := s.repo.ArchiveTx(ctx, tx, id); err != nil {
		return err
	}
	err = s.aud.Append(ctx, tx, audit.Entry{
		Operation: audit.OpBackupArchived,
		Actor:     admin,
		Details:   map[string]any{"backup_id": id},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("backup: commit: %w", err)
	}
	return nil
}

// Get returns the backup metadata.
func (s *Service) Get(ctx context.Context, id string) (Backup, error) {
	if id == "" {
		return Backup{}, ErrBackupNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns backup metadata, newest first.
func (s *Service) List(ctx context.Context) ([]Backup, error) {
	return s.repo.List(ctx)
}

func checksum(snapshot string) string {
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:])
}
