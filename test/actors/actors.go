// Package actors holds the concurrent workloads the stress test runs
// against the ledger services. Every actor loops until stopped, drives a
// real service call, and shrugs off domain errors: under contention most
// calls are expected to lose the race, and the oracles are the judge of
// correctness, not the actors.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"lendflow/audit"
	"lendflow/backup"
	"lendflow/bid"
	"lendflow/dispute"
	"lendflow/escrow"
	"lendflow/invoice"
	"lendflow/token"
)

// Bidder places bids on random verified invoices and occasionally withdraws
// the last bid it placed.
func Bidder(ctx context.Context, svc *bid.Service, investor string, invoiceIDs []string, stop <-chan struct{}) error {
	var lastBid string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		amount := int64(1_000 + rand.Intn(9_000))
		placed, err := svc.Place(ctx, investor, invoiceID, amount, amount+amount/10)
		if err == nil {
			lastBid = placed.ID
		}
		if lastBid != "" && rand.Intn(4) == 0 {
			_ = svc.Withdraw(ctx, investor, lastBid)
			lastBid = ""
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Acceptor races to accept the best bid on each invoice. Only one acceptance
// per invoice can win; the rest must fail with a conflict.
func Acceptor(ctx context.Context, svc *bid.Service, business string, invoiceIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		if best, err := svc.Best(ctx, invoiceID); err == nil {
			_ = svc.Accept(ctx, business, invoiceID, best.ID)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Payer records partial repayments against funded invoices and occasionally
// settles the remainder outright, which releases the escrow.
func Payer(ctx context.Context, svc *escrow.Service, business string, invoiceIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		if rand.Intn(6) == 0 {
			_, _ = svc.Settle(ctx, business, invoiceID)
		} else {
			_, _ = svc.RecordPayment(ctx, business, invoiceID, int64(100+rand.Intn(500)))
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Refunder plays the admin trying to claw escrows back for default. Before
// the due date plus grace it must be refused; afterwards it races the payer
// for the terminal state.
func Refunder(ctx context.Context, svc *escrow.Service, admin string, invoiceIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		if rand.Intn(2) == 0 {
			_, _ = svc.Refund(ctx, admin, invoiceID)
		} else {
			_, _ = svc.Release(ctx, admin, invoiceID)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Disputer raises disputes on funded invoices and resolves a share of them
// with a random outcome.
func Disputer(ctx context.Context, svc *dispute.Service, business, admin string, invoiceIDs []string, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.FavorBusiness, dispute.FavorInvestor}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		_, _ = svc.Create(ctx, business, invoiceID, "delivery shortfall reported by payer")
		if rand.Intn(3) == 0 {
			_, _ = svc.Resolve(ctx, admin, invoiceID, outcomes[rand.Intn(len(outcomes))])
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Rater leaves scores on random invoices; repeats by the same rater must be
// rejected as duplicates.
func Rater(ctx context.Context, svc *invoice.Service, rater string, invoiceIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		invoiceID := invoiceIDs[rand.Intn(len(invoiceIDs))]
		_ = svc.AddRating(ctx, rater, invoiceID, 1+rand.Intn(5), "")
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Minter drips fresh supply to the investors so bidding never starves.
func Minter(ctx context.Context, svc *token.Service, admin string, investors []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		to := investors[rand.Intn(len(investors))]
		_ = svc.Mint(ctx, admin, to, int64(10_000+rand.Intn(40_000)), "USDC")
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// BackupOperator snapshots the ledger while everything else is mutating it.
// Create runs under the ledger lock, so each snapshot must be internally
// consistent and its checksum must validate afterwards.
func BackupOperator(ctx context.Context, svc *backup.Service, admin string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		b, err := svc.Create(ctx, admin, "stress snapshot")
		if err == nil {
			ok, verr := svc.Validate(ctx, b.ID)
			if verr == nil && !ok {
				return fmt.Errorf("backup %s failed checksum validation right after create", b.ID)
			}
		}
		time.Sleep(time.Duration(2+rand.Intn(3)) * time.Second)
	}
}

// Auditor validates trail integrity while writers append. A gap here means a
// mutation committed without its audit entry, so it fails the run.
func Auditor(ctx context.Context, svc *audit.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		report, err := svc.ValidateIntegrity(ctx)
		if errors.Is(err, audit.ErrIntegrityViolation) {
			return fmt.Errorf("audit trail has %d gaps, first after seq %d: %w",
				len(report.Gaps), report.Gaps[0].After, err)
		}
		time.Sleep(time.Duration(500+rand.Intn(500)) * time.Millisecond)
	}
}
