package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// DB is the subset of pgxpool.Pool the read side needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads the audit trail.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const entryColumns = `seq, operation, actor, invoice_id, details, created_at`

// Trail returns every entry touching the invoice, oldest first.
func (r *Repository) Trail(ctx context.Context, invoiceID string) ([]Entry, error) {
	const query = `
		SELECT seq, operation, actor, invoice_id, details, created_at
		FROM audit_entries
		WHERE invoice_id = $1
		ORDER BY seq`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("audit: query trail: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Query returns entries matching the filter, oldest first.
func (r *Repository) Query(ctx context.Context, f Filter) ([]Entry, error) {
	qb := psql.Select(entryColumns).From("audit_entries").OrderBy("seq")
	if f.Operation != "" {
		qb = qb.Where(squirrel.Eq{"operation": string(f.Operation)})
	}
	if f.Actor != "" {
		qb = qb.Where(squirrel.Eq{"actor": f.Actor})
	}
	if f.InvoiceID != "" {
		qb = qb.Where(squirrel.Eq{"invoice_id": f.InvoiceID})
	}
	if f.SinceSeq > 0 {
		qb = qb.Where(squirrel.Gt{"seq": f.SinceSeq})
	}
	if !f.From.IsZero() {
		qb = qb.Where(squirrel.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		qb = qb.Where(squirrel.LtOrEq{"created_at": f.To})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// StatsTx reports entry count and seq bounds inside the caller's transaction.
func (r *Repository) StatsTx(ctx context.Context, tx pgx.Tx) (count, minSeq, maxSeq int64, err error) {
	const query = `SELECT COUNT(*), COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0) FROM audit_entries`
	if err := tx.QueryRow(ctx, query).Scan(&count, &minSeq, &maxSeq); err != nil {
		return 0, 0, 0, fmt.Errorf("audit: trail stats: %w", err)
	}
	return count, minSeq, maxSeq, nil
}

// GapsTx lists every hole in the sequence inside the caller's transaction.
func (r *Repository) GapsTx(ctx context.Context, tx pgx.Tx) ([]Gap, error) {
	const query = `
		WITH ordered AS (
			SELECT seq, LAG(seq) OVER (ORDER BY seq) AS prev
			FROM audit_entries
		)
		SELECT prev, seq FROM ordered
		WHERE prev IS NOT NULL AND seq <> prev + 1
		ORDER BY seq`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit: query gaps: %w", err)
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.After, &g.Next); err != nil {
			return nil, fmt.Errorf("audit: scan gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			op      string
			details []byte
		)
		if err := rows.Scan(&e.Seq, &op, &e.Actor, &e.InvoiceID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Operation = Operation(op)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details for seq %d: %w", e.Seq, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
