package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"lendflow/db"
)

// Child-first so plain DELETEs respect the foreign keys. audit_entries can
// be truncated despite the append-only trigger: row triggers do not fire on
// TRUNCATE.
var ledgerTables = []string{
	"audit_entries",
	"token_transfers",
	"token_accounts",
	"payments",
	"disputes",
	"escrows",
	"bids",
	"invoice_ratings",
	"invoices",
	"kyc_applications",
	"backups",
	"accounts",
}

// ApplyMigrations runs the embedded goose migrations against the DSN and
// returns a connection pool. When reset is true (a shared database is being
// reused), the domain tables are emptied before the run and again by the
// returned teardown func, and the halt flag is cleared.
func ApplyMigrations(ctx context.Context, dsn string, reset bool) (*pgxpool.Pool, func(context.Context) error, error) {
	if err := db.Migrate(ctx, dsn); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	cleanup := func(context.Context) error { return nil }
	if reset {
		if err := resetLedger(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup = func(ctx context.Context) error { return resetLedger(ctx, pool) }
	}

	return pool, cleanup, nil
}

func resetLedger(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range ledgerTables {
		if _, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", table)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	const unhalt = `UPDATE ledger_state SET halted = FALSE, halt_reason = NULL, updated_at = now()`
	if _, err := pool.Exec(ctx, unhalt); err != nil {
		return fmt.Errorf("reset ledger_state: %w", err)
	}
	return nil
}
