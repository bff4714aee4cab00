// Package oracles holds the cross-table invariants the stress test checks
// while the actors run. Each oracle is a query that must return zero rows;
// any row is a counterexample.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Funded and later invoices carry exactly one accepted bid;
			// pending and verified ones carry none.
			Name: "O1_one_accepted_bid_per_funded_invoice",
			SQL: `SELECT i.id, i.status,
                         COUNT(*) FILTER (WHERE b.status = 'accepted') AS accepted
                  FROM invoices i LEFT JOIN bids b ON b.invoice_id = i.id
                  GROUP BY i.id, i.status
                  HAVING (i.status IN ('funded','disputed','paid','defaulted'))
                         <> (COUNT(*) FILTER (WHERE b.status = 'accepted') = 1)`,
		},
		{
			// An accepted bid must have an escrow holding exactly the bid
			// amount for the bidding investor.
			Name: "O2_escrow_mirrors_accepted_bid",
			SQL: `SELECT b.invoice_id, b.investor, b.bid_amount
                  FROM bids b LEFT JOIN escrows e ON e.invoice_id = b.invoice_id
                  WHERE b.status = 'accepted'
                    AND (e.invoice_id IS NULL
                         OR e.held_amount <> b.bid_amount
                         OR e.investor <> b.investor)`,
		},
		{
			// Escrow resolution and invoice terminal state move together in
			// one transaction, so they can never disagree.
			Name: "O3_escrow_invoice_linkage",
			SQL: `SELECT i.id, i.status AS invoice_status, e.status AS escrow_status
                  FROM invoices i JOIN escrows e ON e.invoice_id = i.id
                  WHERE (i.status = 'paid' AND e.status <> 'released')
                     OR (i.status = 'defaulted' AND e.status <> 'refunded')
                     OR (i.status IN ('funded','disputed') AND e.status <> 'created')`,
		},
		{
			// The trail is gapless and starts at 1: entry count equals the
			// highest sequence number.
			Name: "O4_audit_seq_gapless",
			SQL: `SELECT COUNT(*) AS entries, COALESCE(MAX(seq), 0) AS top
                  FROM audit_entries
                  HAVING COUNT(*) <> COALESCE(MAX(seq), 0)`,
		},
		{
			// Transfers between participants conserve supply, so balances
			// per currency must sum to what was minted.
			Name: "O5_token_supply_conserved",
			SQL: `SELECT c.currency, c.total, COALESCE(m.minted, 0) AS minted
                  FROM (SELECT currency, SUM(balance) AS total
                        FROM token_accounts GROUP BY currency) c
                  LEFT JOIN (SELECT currency, SUM(amount) AS minted
                             FROM token_transfers WHERE from_address = 'mint'
                             GROUP BY currency) m USING (currency)
                  WHERE c.total <> COALESCE(m.minted, 0)`,
		},
		{
			// An open dispute pins the invoice to disputed; a resolved one
			// forces it terminal.
			Name: "O6_dispute_invoice_linkage",
			SQL: `SELECT d.invoice_id, d.status AS dispute_status, i.status AS invoice_status
                  FROM disputes d JOIN invoices i ON i.id = d.invoice_id
                  WHERE (d.status = 'under_review' AND i.status <> 'disputed')
                     OR (d.status = 'resolved' AND i.status NOT IN ('paid','defaulted'))`,
		},
		{
			// Repayments require a funded invoice, and invoices never move
			// backwards, so no payment can sit on a pre-funding invoice.
			Name: "O7_payments_only_after_funding",
			SQL: `SELECT p.id, p.invoice_id, i.status
                  FROM payments p JOIN invoices i ON i.id = p.invoice_id
                  WHERE i.status IN ('pending','verified')`,
		},
		{
			// Nothing in this workload restores from a corrupt snapshot, so
			// a raised halt flag means an integrity check tripped.
			Name: "O8_ledger_not_halted",
			SQL:  `SELECT halted, halt_reason FROM ledger_state WHERE halted`,
		},
		{
			Name: "O9_append_only_guard_present",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_rewrite_audit_entries')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
