package dispute

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lendflow/audit"
	"lendflow/escrow"
	"lendflow/invoice"
	"lendflow/verification"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeDisputes, invoices *fakeInvoices, escrows *fakeEscrows, aud *fakeGuard) (*Service, *fakeTx) {
	tx := &fakeTx{}
	svc := NewService(&fakePool{tx: tx}, repo, invoices, escrows, aud, "admin-1").
		WithClock(func() time.Time { return testNow })
	return svc, tx
}

func fundedInvoice() invoice.Invoice {
	return invoice.Invoice{ID: "inv-1", Business: "biz-1", Status: invoice.StatusFunded}
}

func TestCreateByBusinessFreezesInvoice(t *testing.T) {
	repo := &fakeDisputes{investor: "investor-1"}
	invoices := &fakeInvoices{inv: fundedInvoice()}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, invoices, &fakeEscrows{}, aud)

	d, err := svc.Create(context.Background(), "biz-1", "inv-1", "goods never delivered")
	if err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}
	if d.Status != StatusUnderReview {
		t.Fatalf("expected under_review, got %q", d.Status)
	}
	if invoices.statusSet != invoice.StatusDisputed {
		t.Fatalf("expected disputed invoice, got %q", invoices.statusSet)
	}
	if len(aud.entries) != 1 || aud.entries[0].Operation != audit.OpDisputeCreated {
		t.Fatalf("expected DISPUTE_CREATED entry, got %+v", aud.entries)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestCreateByAcceptedInvestor(t *testing.T) {
	repo := &fakeDisputes{investor: "investor-1"}
	invoices := &fakeInvoices{inv: fundedInvoice()}
	svc, _ := newTestService(repo, invoices, &fakeEscrows{}, &fakeGuard{})

	if _, err := svc.Create(context.Background(), "investor-1", "inv-1", "invoice looks fabricated"); err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}
}

func TestCreateByStrangerRejected(t *testing.T) {
	repo := &fakeDisputes{investor: "investor-1"}
	invoices := &fakeInvoices{inv: fundedInvoice()}
	svc, tx := newTestService(repo, invoices, &fakeEscrows{}, &fakeGuard{})

	_, err := svc.Create(context.Background(), "investor-2", "inv-1", "not my problem")
	if !errors.Is(err, verification.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if tx.committed {
		t.Fatal("expected no commit")
	}
}

func TestCreateValidatesReason(t *testing.T) {
	invoices := &fakeInvoices{inv: fundedInvoice()}

	for _, reason := range []string{"", "   ", strings.Repeat("x", 501)} {
		svc, _ := newTestService(&fakeDisputes{}, invoices, &fakeEscrows{}, &fakeGuard{})
		_, err := svc.Create(context.Background(), "biz-1", "inv-1", reason)
		if !errors.Is(err, ErrInvalidReason) {
			t.Fatalf("reason %q: expected ErrInvalidReason, got %v", reason, err)
		}
	}
}

func TestCreateRequiresFundedInvoice(t *testing.T) {
	invoices := &fakeInvoices{inv: invoice.Invoice{ID: "inv-1", Business: "biz-1", Status: invoice.StatusVerified}}
	svc, _ := newTestService(&fakeDisputes{}, invoices, &fakeEscrows{}, &fakeGuard{})

	_, err := svc.Create(context.Background(), "biz-1", "inv-1", "too early")
	if !errors.Is(err, invoice.ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
}

func TestCreateSecondDisputeRejectedAsDuplicate(t *testing.T) {
	repo := &fakeDisputes{
		dispute:  Dispute{InvoiceID: "inv-1", RaisedBy: "biz-1", Status: StatusUnderReview},
		investor: "investor-1",
	}
	// The open dispute already moved the invoice to disputed.
	invoices := &fakeInvoices{inv: invoice.Invoice{ID: "inv-1", Business: "biz-1", Status: invoice.StatusDisputed}}
	svc, tx := newTestService(repo, invoices, &fakeEscrows{}, &fakeGuard{})

	_, err := svc.Create(context.Background(), "investor-1", "inv-1", "raising it again")
	if !errors.Is(err, ErrDuplicateDispute) {
		t.Fatalf("expected ErrDuplicateDispute, got %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("expected no insert, got %+v", repo.inserted)
	}
	if tx.committed {
		t.Fatal("expected no commit")
	}
}

func TestResolveFavorBusinessPaysInvoice(t *testing.T) {
	repo := &fakeDisputes{dispute: Dispute{InvoiceID: "inv-1", RaisedBy: "biz-1", Status: StatusUnderReview}}
	invoices := &fakeInvoices{inv: invoice.Invoice{ID: "inv-1", Business: "biz-1", Status: invoice.StatusDisputed}}
	escrows := &fakeEscrows{}
	aud := &fakeGuard{}
	svc, tx := newTestService(repo, invoices, escrows, aud)

	d, err := svc.Resolve(context.Background(), "admin-1", "inv-1", FavorBusiness)
	if err != nil {
		t.Fatalf("resolve: unexpected error: %v", err)
	}
	if !escrows.released || escrows.refunded {
		t.Fatalf("expected escrow release, got released=%v refunded=%v", escrows.released, escrows.refunded)
	}
	if invoices.statusSet != invoice.StatusPaid {
		t.Fatalf("expected paid invoice, got %q", invoices.statusSet)
	}
	if d.Resolution == nil || d.Resolution.Outcome != FavorBusiness {
		t.Fatalf("expected favor_business resolution, got %+v", d.Resolution)
	}
	if len(aud.entries) != 1 || aud.entries[0].Operation != audit.OpDisputeResolved {
		t.Fatalf("expected DISPUTE_RESOLVED entry, got %+v", aud.entries)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestResolveFavorInvestorDefaultsInvoice(t *testing.T) {
	repo := &fakeDisputes{dispute: Dispute{InvoiceID: "inv-1", Status: StatusUnderReview}}
	invoices := &fakeInvoices{inv: invoice.Invoice{ID: "inv-1", Business: "biz-1", Status: invoice.StatusDisputed}}
	escrows := &fakeEscrows{}
	svc, _ := newTestService(repo, invoices, escrows, &fakeGuard{})

	if _, err := svc.Resolve(context.Background(), "admin-1", "inv-1", FavorInvestor); err != nil {
		t.Fatalf("resolve: unexpected error: %v", err)
	}
	if !escrows.refunded || escrows.released {
		t.Fatalf("expected escrow refund, got released=%v refunded=%v", escrows.released, escrows.refunded)
	}
	if invoices.statusSet != invoice.StatusDefaulted {
		t.Fatalf("expected defaulted invoice, got %q", invoices.statusSet)
	}
}

func TestResolveRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(&fakeDisputes{}, &fakeInvoices{}, &fakeEscrows{}, &fakeGuard{})

	_, err := svc.Resolve(context.Background(), "biz-1", "inv-1", FavorBusiness)
	if !errors.Is(err, verification.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResolveTwiceRejected(t *testing.T) {
	res := &Resolution{Outcome: FavorBusiness, ResolvedBy: "admin-1", ResolvedAt: testNow}
	repo := &fakeDisputes{dispute: Dispute{InvoiceID: "inv-1", Status: StatusResolved, Resolution: res}}
	escrows := &fakeEscrows{}
	svc, tx := newTestService(repo, &fakeInvoices{}, escrows, &fakeGuard{})

	_, err := svc.Resolve(context.Background(), "admin-1", "inv-1", FavorInvestor)
	if !errors.Is(err, ErrDisputeResolved) {
		t.Fatalf("expected ErrDisputeResolved, got %v", err)
	}
	if escrows.released || escrows.refunded || tx.committed {
		t.Fatal("expected no escrow movement on repeat resolution")
	}
}

func TestResolveUnknownOutcome(t *testing.T) {
	svc, _ := newTestService(&fakeDisputes{}, &fakeInvoices{}, &fakeEscrows{}, &fakeGuard{})

	if _, err := svc.Resolve(context.Background(), "admin-1", "inv-1", Outcome("split")); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestMutationsRefusedWhileHalted(t *testing.T) {
	aud := &fakeGuard{guardErr: audit.ErrIntegrityViolation}
	invoices := &fakeInvoices{inv: fundedInvoice()}
	svc, _ := newTestService(&fakeDisputes{}, invoices, &fakeEscrows{}, aud)

	_, err := svc.Create(context.Background(), "biz-1", "inv-1", "halted ledger")
	if !errors.Is(err, audit.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

type fakeDisputes struct {
	dispute  Dispute
	investor string
	inserted []Dispute
	resolved *Resolution
}

func (f *fakeDisputes) InsertTx(ctx context.Context, tx pgx.Tx, d Dispute) error {
	f.inserted = append(f.inserted, d)
	return nil
}

func (f *fakeDisputes) Get(ctx context.Context, invoiceID string) (Dispute, error) {
	if f.dispute.InvoiceID == "" {
		return Dispute{}, ErrDisputeNotFound
	}
	return f.dispute, nil
}

func (f *fakeDisputes) GetTx(ctx context.Context, tx pgx.Tx, invoiceID string) (Dispute, error) {
	if f.dispute.InvoiceID == "" {
		return Dispute{}, ErrDisputeNotFound
	}
	return f.dispute, nil
}

func (f *fakeDisputes) ResolveTx(ctx context.Context, tx pgx.Tx, invoiceID string, res Resolution) error {
	f.resolved = &res
	return nil
}

func (f *fakeDisputes) ListOpen(ctx context.Context) ([]Dispute, error) {
	return []Dispute{f.dispute}, nil
}

func (f *fakeDisputes) AcceptedInvestorTx(ctx context.Context, tx pgx.Tx, invoiceID string) (string, error) {
	return f.investor, nil
}

type fakeInvoices struct {
	inv       invoice.Invoice
	statusSet invoice.Status
}

func (f *fakeInvoices) GetTx(ctx context.Context, tx pgx.Tx, id string) (invoice.Invoice, error) {
	if f.inv.ID == "" {
		return invoice.Invoice{}, invoice.ErrInvoiceNotFound
	}
	return f.inv, nil
}

func (f *fakeInvoices) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, next invoice.Status) error {
	f.statusSet = next
	return nil
}

type fakeEscrows struct {
	released bool
	refunded bool
}

func (f *fakeEscrows) ReleaseTx(ctx context.Context, tx pgx.Tx, invoiceID, business string) (escrow.Escrow, error) {
	f.released = true
	return escrow.Escrow{InvoiceID: invoiceID, Status: escrow.StatusReleased}, nil
}

func (f *fakeEscrows) RefundTx(ctx context.Context, tx pgx.Tx, invoiceID string) (escrow.Escrow, error) {
	f.refunded = true
	return escrow.Escrow{InvoiceID: invoiceID, Status: escrow.StatusRefunded}, nil
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
