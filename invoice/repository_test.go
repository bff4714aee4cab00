package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func invoiceRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "business", "amount", "currency", "due_date", "description", "category",
		"tags", "status", "rating_sum", "rating_count", "created_at", "updated_at",
	})
}

func TestListAppliesFilters(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM invoices WHERE business = \$1 AND status = \$2 AND \$3 = ANY \(tags\)`).
		WithArgs("biz-1", "verified", "net-30").
		WillReturnRows(invoiceRows().AddRow(
			"inv-1", "biz-1", int64(10000), "USDC", now.Add(24*time.Hour), "March services",
			CategoryServices, []string{"net-30"}, StatusVerified, int64(0), 0, now, now,
		))

	repo := NewRepository(mock)
	invoices, err := repo.List(context.Background(), Filters{
		Business: "biz-1",
		Status:   StatusVerified,
		Tag:      "net-30",
		Limit:    20,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, "inv-1", invoices[0].ID)
	require.Equal(t, StatusVerified, invoices[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRatingThreshold(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`rating_count > 0 AND rating_sum::float8 / rating_count >= \$1`).
		WithArgs(4.0).
		WillReturnRows(invoiceRows())

	repo := NewRepository(mock)
	_, err = repo.List(context.Background(), Filters{MinRating: 4.0})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsMissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .+ FROM invoices WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(invoiceRows())

	repo := NewRepository(mock)
	_, err = repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRatingDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO invoice_ratings").
		WithArgs("inv-1", "investor-1", 5, "prompt payment").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	repo := NewRepository(mock)
	err = repo.InsertRatingTx(context.Background(), tx, Rating{
		InvoiceID: "inv-1", Rater: "investor-1", Score: 5, Feedback: "prompt payment",
	})
	require.ErrorIs(t, err, ErrDuplicateRating)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewIDIsUniquePerCall(t *testing.T) {
	a := NewID("biz-1", "USDC", "10000", "desc")
	b := NewID("biz-1", "USDC", "10000", "desc")
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
}
