package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ledgerLockKey is the advisory lock key shared by every mutating ledger
// transaction. Holding it serializes commits, so audit sequence numbers
// mirror commit order exactly.
const ledgerLockKey = int64(0x6c656e64666c6f77) // "lendflow"

// LockLedger blocks until the transaction holds the ledger-wide advisory
// lock. Postgres releases the lock automatically at commit or rollback.
func LockLedger(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("db: acquire ledger lock: %w", err)
	}
	return nil
}
