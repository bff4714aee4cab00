// Package dispute tracks disagreements over funded invoices and the admin
// ruling that settles them. A resolution drives the escrow and the invoice
// to their terminal states in the same transaction.
package dispute

import "time"

// Status is the dispute lifecycle state.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Outcome is the direction of an admin ruling.
type Outcome string

const (
	// FavorBusiness releases the held funds to the business.
	FavorBusiness Outcome = "favor_business"
	// FavorInvestor refunds the held funds to the investor.
	FavorInvestor Outcome = "favor_investor"
)

// Valid reports whether the outcome is a known ruling.
func (o Outcome) Valid() bool {
	return o == FavorBusiness || o == FavorInvestor
}

// Resolution records who ruled, which way, and when.
type Resolution struct {
	Outcome    Outcome
	ResolvedBy string
	ResolvedAt time.Time
}

// Dispute mirrors the disputes table, one per invoice. Resolution is set
// exactly when Status is resolved.
type Dispute struct {
	InvoiceID  string
	RaisedBy   string
	Reason     string
	Status     Status
	Resolution *Resolution
	CreatedAt  time.Time
}
