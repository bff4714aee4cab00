package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrBackupNotFound signals the backup does not exist.
var ErrBackupNotFound = errors.New("backup: not found")

// tables lists every ledger table in parent-first order. Restore deletes in
// reverse and repopulates in this order so foreign keys hold throughout.
var tables = []string{
	"accounts",
	"kyc_applications",
	"invoices",
	"invoice_ratings",
	"bids",
	"escrows",
	"payments",
	"disputes",
	"token_accounts",
	"token_transfers",
	"audit_entries",
}

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists backups and performs the snapshot and restore SQL.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// SnapshotTx serializes every ledger table into one jsonb document and
// returns its canonical text. jsonb serialization is deterministic, so the
// same text comes back at restore time for checksum comparison.
func (r *Repository) SnapshotTx(ctx context.Context, tx pgx.Tx) (string, error) {
	query := "SELECT jsonb_build_object("
	for i, table := range tables {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("'%s', (SELECT COALESCE(jsonb_agg(to_jsonb(t)), '[]'::jsonb) FROM %s t)", table, table)
	}
	query += ")::text"

	var snapshot string
	if err := tx.QueryRow(ctx, query).Scan(&snapshot); err != nil {
		return "", fmt.Errorf("backup: snapshot: %w", err)
	}
	return snapshot, nil
}

// InsertTx stores the snapshot with its metadata.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, b Backup, snapshot string) error {
	const query = `
		INSERT INTO backups (id, description, snapshot, checksum)
		VALUES ($1, $2, $3::jsonb, $4)`

	if _, err := tx.Exec(ctx, query, b.ID, b.Description, snapshot, b.Checksum); err != nil {
		return fmt.Errorf("backup: insert: %w", err)
	}
	return nil
}

// Get returns the backup metadata.
func (r *Repository) Get(ctx context.Context, id string) (Backup, error) {
	const query = `SELECT id, description, checksum, archived, created_at FROM backups WHERE id = $1`
	return scanBackup(r.db.QueryRow(ctx, query, id))
}

// SnapshotForTx returns the stored snapshot body as canonical jsonb text
// together with the checksum recorded at creation.
func (r *Repository) SnapshotForTx(ctx context.Context, tx pgx.Tx, id string) (snapshot, checksum string, err error) {
	const query = `SELECT snapshot::text, checksum FROM backups WHERE id = $1`

	err = tx.QueryRow(ctx, query, id).Scan(&snapshot, &checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrBackupNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("backup: load snapshot: %w", err)
	}
	return snapshot, checksum, nil
}

// RestoreTx replaces every ledger table with the snapshot's contents. The
// append-only trigger on audit_entries is disabled for the duration, since
// restore legitimately rewrites the trail.
func (r *Repository) RestoreTx(ctx context.Context, tx pgx.Tx, snapshot string) error {
	if _, err := tx.Exec(ctx, `ALTER TABLE audit_entries DISABLE TRIGGER no_rewrite_audit_entries`); err != nil {
		return fmt.Errorf("backup: disable audit trigger: %w", err)
	}

	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := tx.Exec(ctx, `DELETE FROM `+tables[i]); err != nil {
			return fmt.Errorf("backup: clear %s: %w", tables[i], err)
		}
	}
	for _, table := range tables {
		query := fmt.Sprintf(
			`INSERT INTO %s SELECT * FROM jsonb_populate_recordset(NULL::%s, $1::jsonb -> '%s')`,
			table, table, table)
		if _, err := tx.Exec(ctx, query, snapshot); err != nil {
			return fmt.Errorf("backup: repopulate %s: %w", table, err)
		}
	}

	// payments.id is a bigserial; resync its sequence past the restored rows.
	const resync = `
		SELECT setval(pg_get_serial_sequence('payments', 'id'), COALESCE(MAX(id), 0) + 1, false)
		FROM payments`
	if _, err := tx.Exec(ctx, resync); err != nil {
		return fmt.Errorf("backup: resync payments sequence: %w", err)
	}

	if _, err := tx.Exec(ctx, `ALTER TABLE audit_entries ENABLE TRIGGER no_rewrite_audit_entries`); err != nil {
		return fmt.Errorf("backup: enable audit trigger: %w", err)
	}
	return nil
}

// PruneTx drops the oldest unarchived backups beyond keep, returning how
// many were removed. Archived backups are exempt from retention.
func (r *Repository) PruneTx(ctx context.Context, tx pgx.Tx, keep int) (int64, error) {
	const query = `
		DELETE FROM backups
		WHERE id IN (
			SELECT id FROM backups
			WHERE NOT archived
			ORDER BY created_at DESC
			OFFSET $1
		)`

	tag, err := tx.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("backup: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveTx marks the backup exempt from retention pruning.
func (r *Repository) ArchiveTx(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE backups SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("backup: archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBackupNotFound
	}
	return nil
}

// List returns backup metadata, newest first.
func (r *Repository) List(ctx context.Context) ([]Backup, error) {
	const query = `SELECT id, description, checksum, archived, created_at FROM backups ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Description, &b.Checksum, &b.Archived, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("backup: scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackup(row pgx.Row) (Backup, error) {
	var b Backup
	err := row.Scan(&b.ID, &b.Description, &b.Checksum, &b.Archived, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Backup{}, ErrBackupNotFound
	}
	if err != nil {
		return Backup{}, fmt.Errorf("backup: scan: %w", err)
	}
	return b, nil
}
