package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lendflow/db"
)

// ErrIntegrityViolation is returned when the trail fails validation or a
// mutation is attempted while the ledger is halted.
var ErrIntegrityViolation = errors.New("audit: ledger integrity violation")

// Recorder appends audit entries inside a caller-owned transaction and
// gates every mutation on the ledger lock plus the halted flag.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Lock takes the ledger-wide advisory lock without consulting the halted
// flag. Restore and validation run under it even while the ledger is halted.
func (r *Recorder) Lock(ctx context.Context, tx pgx.Tx) error {
	return db.LockLedger(ctx, tx)
}

// Guard serializes the mutation behind the ledger lock and refuses to
// proceed while the ledger is halted.
func (r *Recorder) Guard(ctx context.Context, tx pgx.Tx) error {
	if err := db.LockLedger(ctx, tx); err != nil {
		return err
	}
	var halted bool
	var reason *string
	if err := tx.QueryRow(ctx, `SELECT halted, halt_reason FROM ledger_state`).Scan(&halted, &reason); err != nil {
		return fmt.Errorf("audit: read ledger state: %w", err)
	}
	if halted {
		if reason != nil {
			return fmt.Errorf("%w: %s", ErrIntegrityViolation, *reason)
		}
		return ErrIntegrityViolation
	}
	return nil
}

// Append writes the next entry of the trail. The caller must hold the
// ledger lock, which makes MAX(seq)+1 race-free.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	const query = `
		INSERT INTO audit_entries (seq, operation, actor, invoice_id, details)
		SELECT COALESCE(MAX(seq), 0) + 1, $1, $2, $3, $4 FROM audit_entries`

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	if _, err := tx.Exec(ctx, query, string(e.Operation), e.Actor, e.InvoiceID, mustJSON(details)); err != nil {
		return fmt.Errorf("audit: append %s: %w", e.Operation, err)
	}
	return nil
}

// Halt marks the ledger halted. Callers commit the surrounding transaction
// even when the triggering operation fails, so the flag sticks.
func (r *Recorder) Halt(ctx context.Context, tx pgx.Tx, reason string) error {
	if _, err := tx.Exec(ctx, `UPDATE ledger_state SET halted = TRUE, halt_reason = $1, updated_at = now()`, reason); err != nil {
		return fmt.Errorf("audit: halt ledger: %w", err)
	}
	return nil
}

// ClearHalt lifts the halted flag after a successful restore.
func (r *Recorder) ClearHalt(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `UPDATE ledger_state SET halted = FALSE, halt_reason = NULL, updated_at = now()`); err != nil {
		return fmt.Errorf("audit: clear halt: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal details: %v", err))
	}
	return data
}
