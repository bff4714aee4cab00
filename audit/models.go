// Package audit maintains the append-only trail every ledger mutation
// writes to, and the halted flag that freezes mutations when the trail
// fails validation.
package audit

import "time"

// Operation names a ledger mutation recorded in the audit trail.
type Operation string

const (
	OpKYCSubmitted     Operation = "KYC_SUBMITTED"
	OpBusinessVerified Operation = "BUSINESS_VERIFIED"
	OpBusinessRejected Operation = "BUSINESS_REJECTED"
	OpInvoiceCreated   Operation = "INVOICE_CREATED"
	OpInvoiceStatusSet Operation = "INVOICE_STATUS_UPDATED"
	OpInvoiceRated     Operation = "INVOICE_RATED"
	OpBidPlaced        Operation = "BID_PLACED"
	OpBidAccepted      Operation = "BID_ACCEPTED"
	OpBidWithdrawn     Operation = "BID_WITHDRAWN"
	OpEscrowReleased   Operation = "ESCROW_RELEASED"
	OpEscrowRefunded   Operation = "ESCROW_REFUNDED"
	OpPaymentRecorded  Operation = "PAYMENT_RECORDED"
	OpInvoiceSettled   Operation = "INVOICE_SETTLED"
	OpDisputeCreated   Operation = "DISPUTE_CREATED"
	OpDisputeResolved  Operation = "DISPUTE_RESOLVED"
	OpBackupCreated    Operation = "BACKUP_CREATED"
	OpBackupRestored   Operation = "BACKUP_RESTORED"
	OpBackupArchived   Operation = "BACKUP_ARCHIVED"
	OpTokensMinted     Operation = "TOKENS_MINTED"
)

// Entry is one immutable audit record. Seq is assigned at insert time and
// is gapless in commit order; a hole means the trail was tampered with.
type Entry struct {
	Seq       int64
	Operation Operation
	Actor     string
	InvoiceID *string
	Details   map[string]any
	CreatedAt time.Time
}

// Filter narrows Query results. Zero values match everything; From and To
// bound the entry creation time inclusively.
type Filter struct {
	Operation Operation
	Actor     string
	InvoiceID string
	SinceSeq  int64
	From      time.Time
	To        time.Time
	Limit     int
}

// Gap marks a hole in the sequence: entries exist at After and Next but
// nothing in between.
type Gap struct {
	After int64
	Next  int64
}

// IntegrityReport summarizes a validation run over the trail.
type IntegrityReport struct {
	Entries int64
	MaxSeq  int64
	Gaps    []Gap
}
