package bid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lendflow/audit"
	"lendflow/invoice"
	"lendflow/verification"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeBids, invoices *fakeInvoices, escrows *fakeEscrows, aud *fakeGuard) (*Service, *fakeTx) {
	tx := &fakeTx{}
	svc := NewService(&fakePool{tx: tx}, repo, invoices, escrows, aud).
		WithClock(func() time.Time { return testNow })
	return svc, tx
}

func TestPlaceRecordsBid(t *testing.T) {
	repo := &fakeBids{}
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Amount: 10_000, Currency: "USDC", Status: invoice.StatusVerified,
	}}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, invoices, &fakeEscrows{}, aud)

	b, err := svc.Place(context.Background(), "investor-1", "inv-1", 9_500, 10_000)
	if err != nil {
		t.Fatalf("place: unexpected error: %v", err)
	}
	if b.Status != StatusPlaced {
		t.Fatalf("expected placed bid, got %q", b.Status)
	}
	if len(repo.inserted) != 1 || repo.inserted[0].Investor != "investor-1" {
		t.Fatalf("expected one inserted bid, got %+v", repo.inserted)
	}
	if len(aud.entries) != 1 || aud.entries[0].Operation != audit.OpBidPlaced {
		t.Fatalf("expected BID_PLACED entry, got %+v", aud.entries)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestPlaceValidatesAmounts(t *testing.T) {
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Amount: 10_000, Status: invoice.StatusVerified,
	}}

	cases := []struct {
		name           string
		bidAmount      int64
		expectedReturn int64
	}{
		{"zero bid", 0, 100},
		{"negative bid", -5, 100},
		{"return below bid", 9_500, 9_000},
		{"bid above invoice amount", 10_001, 11_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, tx := newTestService(&fakeBids{}, invoices, &fakeEscrows{}, &fakeGuard{})
			_, err := svc.Place(context.Background(), "investor-1", "inv-1", tc.bidAmount, tc.expectedReturn)
			if !errors.Is(err, ErrInvalidBidAmount) {
				t.Fatalf("expected ErrInvalidBidAmount, got %v", err)
			}
			if tx.committed {
				t.Fatal("expected no commit")
			}
		})
	}
}

func TestPlaceRequiresVerifiedInvoice(t *testing.T) {
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Amount: 10_000, Status: invoice.StatusPending,
	}}
	svc, _ := newTestService(&fakeBids{}, invoices, &fakeEscrows{}, &fakeGuard{})

	_, err := svc.Place(context.Background(), "investor-1", "inv-1", 9_500, 10_000)
	if !errors.Is(err, invoice.ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
}

func TestAcceptFundsInvoiceAtomically(t *testing.T) {
	repo := &fakeBids{bid: Bid{
		ID: "bid-1", InvoiceID: "inv-1", Investor: "investor-1",
		BidAmount: 9_500, ExpectedReturn: 10_000, Status: StatusPlaced,
	}, others: 2}
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Amount: 10_000, Currency: "USDC", Status: invoice.StatusVerified,
	}}
	escrows := &fakeEscrows{}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, invoices, escrows, aud)

	if err := svc.Accept(context.Background(), "biz-1", "inv-1", "bid-1"); err != nil {
		t.Fatalf("accept: unexpected error: %v", err)
	}
	if repo.statusSet != StatusAccepted {
		t.Fatalf("expected accepted bid, got %q", repo.statusSet)
	}
	if !repo.rejectedOthers {
		t.Fatal("expected rival bids rejected")
	}
	if invoices.statusSet != invoice.StatusFunded {
		t.Fatalf("expected funded invoice, got %q", invoices.statusSet)
	}
	if escrows.held != 9_500 || escrows.investor != "investor-1" || escrows.currency != "USDC" {
		t.Fatalf("expected escrow holding the bid amount, got %+v", escrows)
	}
	if len(aud.entries) != 1 || aud.entries[0].Operation != audit.OpBidAccepted {
		t.Fatalf("expected exactly one BID_ACCEPTED entry, got %+v", aud.entries)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestAcceptRequiresInvoiceOwner(t *testing.T) {
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Status: invoice.StatusVerified,
	}}
	svc, _ := newTestService(&fakeBids{}, invoices, &fakeEscrows{}, &fakeGuard{})

	err := svc.Accept(context.Background(), "investor-1", "inv-1", "bid-1")
	if !errors.Is(err, verification.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAcceptOnFundedInvoice(t *testing.T) {
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Status: invoice.StatusFunded,
	}}
	svc, tx := newTestService(&fakeBids{}, invoices, &fakeEscrows{}, &fakeGuard{})

	err := svc.Accept(context.Background(), "biz-1", "inv-1", "bid-1")
	if !errors.Is(err, ErrBidAlreadyAccepted) {
		t.Fatalf("expected ErrBidAlreadyAccepted, got %v", err)
	}
	if tx.committed {
		t.Fatal("expected no commit")
	}
}

func TestAcceptRejectsWithdrawnBid(t *testing.T) {
	repo := &fakeBids{bid: Bid{ID: "bid-1", InvoiceID: "inv-1", Status: StatusWithdrawn}}
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Status: invoice.StatusVerified,
	}}
	svc, _ := newTestService(repo, invoices, &fakeEscrows{}, &fakeGuard{})

	err := svc.Accept(context.Background(), "biz-1", "inv-1", "bid-1")
	if !errors.Is(err, ErrBidAlreadyAccepted) {
		t.Fatalf("expected ErrBidAlreadyAccepted, got %v", err)
	}
}

func TestAcceptRejectsForeignBid(t *testing.T) {
	repo := &fakeBids{bid: Bid{ID: "bid-1", InvoiceID: "inv-other", Status: StatusPlaced}}
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Status: invoice.StatusVerified,
	}}
	svc, _ := newTestService(repo, invoices, &fakeEscrows{}, &fakeGuard{})

	err := svc.Accept(context.Background(), "biz-1", "inv-1", "bid-1")
	if !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("expected ErrBidNotFound, got %v", err)
	}
}

func TestAcceptRollsBackOnEscrowFailure(t *testing.T) {
	repo := &fakeBids{bid: Bid{
		ID: "bid-1", InvoiceID: "inv-1", Investor: "investor-1",
		BidAmount: 9_500, Status: StatusPlaced,
	}}
	invoices := &fakeInvoices{inv: invoice.Invoice{
		ID: "inv-1", Business: "biz-1", Amount: 10_000, Currency: "USDC", Status: invoice.StatusVerified,
	}}
	escrows := &fakeEscrows{createErr: errors.New("token: insufficient funds")}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, invoices, escrows, aud)

	err := svc.Accept(context.Background(), "biz-1", "inv-1", "bid-1")
	if err == nil {
		t.Fatal("expected escrow failure to surface")
	}
	if tx.committed {
		t.Fatal("expected rollback, transaction committed")
	}
	if len(aud.entries) != 0 {
		t.Fatalf("expected no audit entry on failed acceptance, got %+v", aud.entries)
	}
}

func TestWithdrawRequiresBidder(t *testing.T) {
	repo := &fakeBids{bid: Bid{ID: "bid-1", InvoiceID: "inv-1", Investor: "investor-1", Status: StatusPlaced}}
	svc, _ := newTestService(repo, &fakeInvoices{}, &fakeEscrows{}, &fakeGuard{})

	err := svc.Withdraw(context.Background(), "investor-2", "bid-1")
	if !errors.Is(err, verification.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWithdrawAcceptedBid(t *testing.T) {
	repo := &fakeBids{bid: Bid{ID: "bid-1", InvoiceID: "inv-1", Investor: "investor-1", Status: StatusAccepted}}
	svc, _ := newTestService(repo, &fakeInvoices{}, &fakeEscrows{}, &fakeGuard{})

	err := svc.Withdraw(context.Background(), "investor-1", "bid-1")
	if !errors.Is(err, ErrBidAlreadyAccepted) {
		t.Fatalf("expected ErrBidAlreadyAccepted, got %v", err)
	}
}

func TestWithdrawPlacedBid(t *testing.T) {
	repo := &fakeBids{bid: Bid{ID: "bid-1", InvoiceID: "inv-1", Investor: "investor-1", Status: StatusPlaced}}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, &fakeInvoices{}, &fakeEscrows{}, aud)

	if err := svc.Withdraw(context.Background(), "investor-1", "bid-1"); err != nil {
		t.Fatalf("withdraw: unexpected error: %v", err)
	}
	if repo.statusSet != StatusWithdrawn {
		t.Fatalf("expected withdrawn bid, got %q", repo.statusSet)
	}
	if len(aud.entries) != 1 || aud.entries[0].Operation != audit.OpBidWithdrawn {
		t.Fatalf("expected BID_WITHDRAWN entry, got %+v", aud.entries)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestMutationsRefusedWhileHalted(t *testing.T) {
	aud := &fakeGuard{guardErr: audit.ErrIntegrityViolation}
	svc, _ := newTestService(&fakeBids{}, &fakeInvoices{}, &fakeEscrows{}, aud)

	_, err := svc.Place(context.Background(), "investor-1", "inv-1", 100, 110)
	if !errors.Is(err, audit.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

type fakeBids struct {
	bid            Bid
	bidErr         error
	inserted       []Bid
	statusSet      Status
	rejectedOthers bool
	others         int64
}

func (f *fakeBids) InsertTx(ctx context.Context, tx pgx.Tx, b Bid) error {
	f.inserted = append(f.inserted, b)
	return nil
}

func (f *fakeBids) Get(ctx context.Context, id string) (Bid, error) {
	return f.bid, f.bidErr
}

func (f *fakeBids) GetTx(ctx context.Context, tx pgx.Tx, id string) (Bid, error) {
	if f.bidErr != nil {
		return Bid{}, f.bidErr
	}
	if f.bid.ID == "" {
		return Bid{}, ErrBidNotFound
	}
	return f.bid, nil
}

func (f *fakeBids) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next Status) error {
	f.statusSet = next
	return nil
}

func (f *fakeBids) RejectOthersTx(ctx context.Context, tx pgx.Tx, invoiceID, acceptedID string) (int64, error) {
	f.rejectedOthers = true
	return f.others, nil
}

func (f *fakeBids) ListForInvoice(ctx context.Context, invoiceID string) ([]Bid, error) {
	return []Bid{f.bid}, nil
}

func (f *fakeBids) Best(ctx context.Context, invoiceID string) (Bid, error) {
	return f.bid, f.bidErr
}

type fakeInvoices struct {
	inv       invoice.Invoice
	invErr    error
	statusSet invoice.Status
}

func (f *fakeInvoices) GetTx(ctx context.Context, tx pgx.Tx, id string) (invoice.Invoice, error) {
	return f.inv, f.invErr
}

func (f *fakeInvoices) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next invoice.Status) error {
	f.statusSet = next
	return nil
}

type fakeEscrows struct {
	createErr error
	investor  string
	held      int64
	currency  string
}

func (f *fakeEscrows) CreateTx(ctx context.Context, tx pgx.Tx, invoiceID, investor string, amount int64, currency string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.investor = investor
	f.held = amount
	f.currency = currency
	return nil
}

type fakeGuard struct {
	guardErr error
	entries  []audit.Entry
}

func (f *fakeGuard) Guard(ctx context.Context, tx pgx.Tx) error {
	return f.guardErr
}

func (f *fakeGuard) Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.tx, nil
}

type fakeTx struct {
	committed bool
	rolled    bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolled = true
	return nil
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *fakeTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn { panic("not implemented") }
