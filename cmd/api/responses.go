package main

import (
	"time"

	"lendflow/audit"
	"lendflow/auth"
	"lendflow/backup"
	"lendflow/bid"
	"lendflow/dispute"
	"lendflow/escrow"
	"lendflow/invoice"
	"lendflow/token"
	"lendflow/verification"
)

type accountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        string(a.Role),
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

type applicationResponse struct {
	Business        string  `json:"business"`
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejectionReason,omitempty"`
	SubmittedAt     string  `json:"submittedAt"`
	ReviewedAt      *string `json:"reviewedAt,omitempty"`
	ReviewedBy      *string `json:"reviewedBy,omitempty"`
}

func toApplicationResponse(a verification.Application) applicationResponse {
	resp := applicationResponse{
		Business:        a.Business,
		Status:          string(a.Status),
		RejectionReason: a.RejectionReason,
		SubmittedAt:     a.SubmittedAt.Format(time.RFC3339),
		ReviewedBy:      a.ReviewedBy,
	}
	if a.ReviewedAt != nil {
		reviewed := a.ReviewedAt.Format(time.RFC3339)
		resp.ReviewedAt = &reviewed
	}
	return resp
}

type invoiceResponse struct {
	ID            string   `json:"id"`
	Business      string   `json:"business"`
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	DueDate       string   `json:"dueDate"`
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	Status        string   `json:"status"`
	AverageRating *float64 `json:"averageRating,omitempty"`
	RatingCount   int      `json:"ratingCount"`
	CreatedAt     string   `json:"createdAt"`
}

func toInvoiceResponse(inv invoice.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:          inv.ID,
		Business:    inv.Business,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		DueDate:     inv.DueDate.Format(time.RFC3339),
		Description: inv.Description,
		Category:    string(inv.Category),
		Tags:        inv.Tags,
		Status:      string(inv.Status),
		RatingCount: inv.RatingCount,
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339),
	}
	if avg, ok := inv.AverageRating(); ok {
		resp.AverageRating = &avg
	}
	return resp
}

type ratingResponse struct {
	Rater     string `json:"rater"`
	Score     int    `json:"score"`
	Feedback  string `json:"feedback,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func toRatingResponse(r invoice.Rating) ratingResponse {
	return ratingResponse{
		Rater:     r.Rater,
		Score:     r.Score,
		Feedback:  r.Feedback,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

type bidResponse struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoiceId"`
	Investor       string `json:"investor"`
	BidAmount      int64  `json:"bidAmount"`
	ExpectedReturn int64  `json:"expectedReturn"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
}

func toBidResponse(b bid.Bid) bidResponse {
	return bidResponse{
		ID:             b.ID,
		InvoiceID:      b.InvoiceID,
		Investor:       b.Investor,
		BidAmount:      b.BidAmount,
		ExpectedReturn: b.ExpectedReturn,
		Status:         string(b.Status),
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
}

type escrowResponse struct {
	InvoiceID  string  `json:"invoiceId"`
	Investor   string  `json:"investor"`
	HeldAmount int64   `json:"heldAmount"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		InvoiceID:  e.InvoiceID,
		Investor:   e.Investor,
		HeldAmount: e.HeldAmount,
		Currency:   e.Currency,
		Status:     string(e.Status),
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
	if e.ResolvedAt != nil {
		resolved := e.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &resolved
	}
	return resp
}

type paymentResponse struct {
	ID        int64  `json:"id"`
	InvoiceID string `json:"invoiceId"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"createdAt"`
}

func toPaymentResponse(p escrow.Payment) paymentResponse {
	return paymentResponse{
		ID:        p.ID,
		InvoiceID: p.InvoiceID,
		Payer:     p.Payer,
		Amount:    p.Amount,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	InvoiceID  string  `json:"invoiceId"`
	RaisedBy   string  `json:"raisedBy"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Outcome    *string `json:"outcome,omitempty"`
	ResolvedBy *string `json:"resolvedBy,omitempty"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		InvoiceID: d.InvoiceID,
		RaisedBy:  d.RaisedBy,
		Reason:    d.Reason,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if d.Resolution != nil {
		outcome := string(d.Resolution.Outcome)
		resolvedBy := d.Resolution.ResolvedBy
		resolvedAt := d.Resolution.ResolvedAt.Format(time.RFC3339)
		resp.Outcome = &outcome
		resp.ResolvedBy = &resolvedBy
		resp.ResolvedAt = &resolvedAt
	}
	return resp
}

type backupResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Checksum    string `json:"checksum"`
	Archived    bool   `json:"archived"`
	CreatedAt   string `json:"createdAt"`
}

func toBackupResponse(b backup.Backup) backupResponse {
	return backupResponse{
		ID:          b.ID,
		Description: b.Description,
		Checksum:    b.Checksum,
		Archived:    b.Archived,
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
	}
}

type auditEntryResponse struct {
	Seq       int64          `json:"seq"`
	Operation string         `json:"operation"`
	Actor     string         `json:"actor"`
	InvoiceID *string        `json:"invoiceId,omitempty"`
	Details   map[string]any `json:"details"`
	CreatedAt string         `json:"createdAt"`
}

func toAuditEntryResponse(e audit.Entry) auditEntryResponse {
	return auditEntryResponse{
		Seq:       e.Seq,
		Operation: string(e.Operation),
		Actor:     e.Actor,
		InvoiceID: e.InvoiceID,
		Details:   e.Details,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

type transferResponse struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"createdAt"`
}

func toTransferResponse(t token.Transfer) transferResponse {
	return transferResponse{
		ID:        t.ID,
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Currency:  t.Currency,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}
}
