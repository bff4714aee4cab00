package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"lendflow/token"
)

func escrowRow(status Status, resolvedAt *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"invoice_id", "investor", "held_amount", "currency", "status", "created_at", "resolved_at",
	}).AddRow("inv-1", "investor-1", int64(9500), "USDC", status, time.Now(), resolvedAt)
}

func TestCreateTxHoldsFundsInVault(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO escrows").
		WithArgs("inv-1", "investor-1", int64(9500), "USDC").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE token_accounts").
		WithArgs("investor-1", "USDC", int64(9500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO token_accounts").
		WithArgs("escrow-vault", "USDC", int64(9500)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO token_transfers").
		WithArgs("investor-1", "escrow-vault", int64(9500), "USDC").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mgr := NewManager(token.NewLedger(), "escrow-vault")
	err = mgr.CreateTx(context.Background(), tx, "inv-1", "investor-1", 9500, "USDC")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTxRejectsSecondEscrow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO escrows").
		WithArgs("inv-1", "investor-1", int64(9500), "USDC").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mgr := NewManager(token.NewLedger(), "escrow-vault")
	err = mgr.CreateTx(context.Background(), tx, "inv-1", "investor-1", 9500, "USDC")
	require.ErrorIs(t, err, ErrEscrowExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseTxMovesHeldFundsToBusiness(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE escrows").
		WithArgs("inv-1", StatusReleased).
		WillReturnRows(escrowRow(StatusReleased, &now))
	mock.ExpectExec("UPDATE token_accounts").
		WithArgs("escrow-vault", "USDC", int64(9500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO token_accounts").
		WithArgs("biz-1", "USDC", int64(9500)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO token_transfers").
		WithArgs("escrow-vault", "biz-1", int64(9500), "USDC").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mgr := NewManager(token.NewLedger(), "escrow-vault")
	esc, err := mgr.ReleaseTx(context.Background(), tx, "inv-1", "biz-1")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, esc.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTwiceFailsWithoutTransfer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE escrows").
		WithArgs("inv-1", StatusRefunded).
		WillReturnRows(pgxmock.NewRows([]string{
			"invoice_id", "investor", "held_amount", "currency", "status", "created_at", "resolved_at",
		}))
	mock.ExpectQuery("SELECT status FROM escrows").
		WithArgs("inv-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(StatusReleased))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mgr := NewManager(token.NewLedger(), "escrow-vault")
	_, err = mgr.RefundTx(context.Background(), tx, "inv-1")
	require.ErrorIs(t, err, ErrEscrowAlreadyResolved)
	// No token movement was expected; ExpectationsWereMet proves none happened.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeMissingEscrow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE escrows").
		WithArgs("inv-404", StatusReleased).
		WillReturnRows(pgxmock.NewRows([]string{
			"invoice_id", "investor", "held_amount", "currency", "status", "created_at", "resolved_at",
		}))
	mock.ExpectQuery("SELECT status FROM escrows").
		WithArgs("inv-404").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mgr := NewManager(token.NewLedger(), "escrow-vault")
	_, err = mgr.ReleaseTx(context.Background(), tx, "inv-404", "biz-1")
	require.ErrorIs(t, err, ErrEscrowNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
