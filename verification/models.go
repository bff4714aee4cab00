// Package verification manages business KYC applications and the verified
// flag that gates invoice creation.
package verification

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Application mirrors the kyc_applications table. Each business holds at
// most one row; resubmission overwrites it in place.
type Application struct {
	Business        string
	Payload         map[string]any
	Status          Status
	RejectionReason *string
	SubmittedAt     time.Time
	ReviewedAt      *time.Time
	ReviewedBy      *string
}
