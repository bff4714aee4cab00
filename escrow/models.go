// Package escrow holds investor funds between bid acceptance and the
// invoice outcome, and tracks repayments toward settlement.
package escrow

import "time"

// Status is the escrow lifecycle state. The terminal transition to released
// or refunded happens at most once.
type Status string

const (
	StatusCreated  Status = "created"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Escrow mirrors the escrows table. One row per funded invoice, created at
// bid acceptance and never recreated.
type Escrow struct {
	InvoiceID  string
	Investor   string
	HeldAmount int64
	Currency   string
	Status     Status
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Payment is one partial repayment from the business toward settlement.
type Payment struct {
	ID        int64
	InvoiceID string
	Payer     string
	Amount    int64
	CreatedAt time.Time
}
