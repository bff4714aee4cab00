package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lendflow/token"
)

var (
	// ErrEscrowNotFound signals no escrow exists for the invoice.
	ErrEscrowNotFound = errors.New("escrow: not found")
	// ErrEscrowExists signals a second escrow creation for the same invoice.
	ErrEscrowExists = errors.New("escrow: already exists")
	// ErrEscrowAlreadyResolved signals a second finalization attempt.
	ErrEscrowAlreadyResolved = errors.New("escrow: already resolved")
)

// Manager performs the fund-holding state changes inside a caller-owned
// transaction. Bid acceptance and dispute resolution call into it so their
// composite effects commit atomically with the rest of the operation.
type Manager struct {
	ledger *token.Ledger
	vault  string
}

func NewManager(ledger *token.Ledger, vault string) *Manager {
	return &Manager{ledger: ledger, vault: vault}
}

// CreateTx opens the escrow for the invoice and moves the investor's funds
// into the vault. Exactly one escrow per invoice, enforced by the primary key.
func (m *Manager) CreateTx(ctx context.Context, tx pgx.Tx, invoiceID, investor string, amount int64, currency string) error {
	const insert = `
		INSERT INTO escrows (invoice_id, investor, held_amount, currency)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, insert, invoiceID, investor, amount, currency); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEscrowExists
		}
		return fmt.Errorf("escrow: create: %w", err)
	}
	return m.ledger.Transfer(ctx, tx, investor, m.vault, amount, currency)
}

// ReleaseTx finalizes the escrow in favor of the business: held funds leave
// the vault for the business and the escrow becomes released. The status
// check and the update are one statement on the locked row, so a second
// finalization of any kind cannot slip through.
func (m *Manager) ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID, business string) (Escrow, error) {
	esc, err := m.finalizeTx(ctx, tx, invoiceID, StatusReleased)
	if err != nil {
		return Escrow{}, err
	}
	if err := m.ledger.Transfer(ctx, tx, m.vault, business, esc.HeldAmount, esc.Currency); err != nil {
		return Escrow{}, err
	}
	return esc, nil
}

// RefundTx finalizes the escrow in favor of the investor: held funds return
// from the vault and the escrow becomes refunded.
func (m *Manager) RefundTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Escrow, error) {
	esc, err := m.finalizeTx(ctx, tx, invoiceID, StatusRefunded)
	if err != nil {
		return Escrow{}, err
	}
	if err := m.ledger.Transfer(ctx, tx, m.vault, esc.Investor, esc.HeldAmount, esc.Currency); err != nil {
		return Escrow{}, err
	}
	return esc, nil
}

func (m *Manager) finalizeTx(ctx context.Context, tx pgx.Tx, invoiceID string, next Status) (Escrow, error) {
	const update = `
		UPDATE escrows
		SET status = $2, resolved_at = now()
		WHERE invoice_id = $1 AND status = 'created'
		RETURNING invoice_id, investor, held_amount, currency, status, created_at, resolved_at`

	var esc Escrow
	err := tx.QueryRow(ctx, update, invoiceID, next).Scan(&esc.InvoiceID, &esc.Investor,
		&esc.HeldAmount, &esc.Currency, &esc.Status, &esc.CreatedAt, &esc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing escrow from one already finalized.
		var status Status
		probeErr := tx.QueryRow(ctx, `SELECT status FROM escrows WHERE invoice_id = $1`, invoiceID).Scan(&status)
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return Escrow{}, ErrEscrowNotFound
		}
		if probeErr != nil {
			return Escrow{}, fmt.Errorf("escrow: probe status: %w", probeErr)
		}
		return Escrow{}, fmt.Errorf("%w: escrow is %s", ErrEscrowAlreadyResolved, status)
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: finalize as %s: %w", next, err)
	}
	return esc, nil
}

// GetTx returns the escrow inside the caller's transaction, locking the row.
func (m *Manager) GetTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Escrow, error) {
	const query = `
		SELECT invoice_id, investor, held_amount, currency, status, created_at, resolved_at
		FROM escrows
		WHERE invoice_id = $1
		FOR UPDATE`

	var esc Escrow
	err := tx.QueryRow(ctx, query, invoiceID).Scan(&esc.InvoiceID, &esc.Investor,
		&esc.HeldAmount, &esc.Currency, &esc.Status, &esc.CreatedAt, &esc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, ErrEscrowNotFound
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return esc, nil
}
