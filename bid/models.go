// Package bid is the book of investor offers against verified invoices and
// the atomic acceptance that funds an invoice.
package bid

import "time"

// Status is the bid lifecycle state.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Bid mirrors the bids table. ExpectedReturn is what the business repays,
// never below BidAmount.
type Bid struct {
	ID             string
	InvoiceID      string
	Investor       string
	BidAmount      int64
	ExpectedReturn int64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
