package token

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestTransferMovesBalanceAndRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
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

	ledger := NewLedger()
	err = ledger.Transfer(context.Background(), tx, "investor-1", "escrow-vault", 9500, "USDC")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRejectsOverdraft(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE token_accounts").
		WithArgs("investor-1", "USDC", int64(9500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	ledger := NewLedger()
	err = ledger.Transfer(context.Background(), tx, "investor-1", "escrow-vault", 9500, "USDC")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferValidatesParameters(t *testing.T) {
	ledger := NewLedger()
	cases := []struct {
		name     string
		from, to string
		amount   int64
		currency string
	}{
		{"empty from", "", "b", 10, "USDC"},
		{"empty to", "a", "", 10, "USDC"},
		{"self transfer", "a", "a", 10, "USDC"},
		{"zero amount", "a", "b", 0, "USDC"},
		{"negative amount", "a", "b", -5, "USDC"},
		{"empty currency", "a", "b", 10, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ledger.Transfer(context.Background(), nil, tc.from, tc.to, tc.amount, tc.currency)
			require.ErrorIs(t, err, ErrInvalidTransfer)
		})
	}
}

func TestIssueCreditsFromMint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO token_accounts").
		WithArgs("investor-1", "USDC", int64(50000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO token_transfers").
		WithArgs(MintAddress, "investor-1", int64(50000), "USDC").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	ledger := NewLedger()
	require.NoError(t, ledger.Issue(context.Background(), tx, "investor-1", 50000, "USDC"))
	require.ErrorIs(t, ledger.Issue(context.Background(), tx, MintAddress, 10, "USDC"), ErrInvalidTransfer)
	require.NoError(t, mock.ExpectationsWereMet())
}
