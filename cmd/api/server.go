package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

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

type ctxKey int

const (
	ctxKeyAccountID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
	GetAccountByID(ctx context.Context, accountID string) (*auth.Account, error)
}

type kycService interface {
	SubmitKYC(ctx context.Context, business string, payload map[string]any) error
	VerifyBusiness(ctx context.Context, caller, business string) error
	RejectBusiness(ctx context.Context, caller, business, reason string) error
	Status(ctx context.Context, business string) (verification.Application, error)
}

type invoiceService interface {
	Store(ctx context.Context, business string, params invoice.CreateParams) (invoice.Invoice, error)
	Get(ctx context.Context, id string) (invoice.Invoice, error)
	List(ctx context.Context, f invoice.Filters) ([]invoice.Invoice, error)
	UpdateStatus(ctx context.Context, caller, id string, next invoice.Status) (invoice.Invoice, error)
	AddRating(ctx context.Context, rater, id string, score int, feedback string) error
	Ratings(ctx context.Context, id string) ([]invoice.Rating, error)
}

type bidService interface {
	Place(ctx context.Context, investor, invoiceID string, bidAmount, expectedReturn int64) (bid.Bid, error)
	Accept(ctx context.Context, caller, invoiceID, bidID string) error
	Withdraw(ctx context.Context, investor, bidID string) error
	Get(ctx context.Context, id string) (bid.Bid, error)
	ListForInvoice(ctx context.Context, invoiceID string) ([]bid.Bid, error)
	Best(ctx context.Context, invoiceID string) (bid.Bid, error)
}

type escrowService interface {
	Release(ctx context.Context, caller, invoiceID string) (escrow.Escrow, error)
	Refund(ctx context.Context, caller, invoiceID string) (escrow.Escrow, error)
	RecordPayment(ctx context.Context, business, invoiceID string, amount int64) (bool, error)
	Settle(ctx context.Context, business, invoiceID string) (bool, error)
	Get(ctx context.Context, invoiceID string) (escrow.Escrow, error)
	Payments(ctx context.Context, invoiceID string) ([]escrow.Payment, error)
}

type disputeService interface {
	Create(ctx context.Context, raiser, invoiceID, reason string) (dispute.Dispute, error)
	Resolve(ctx context.Context, admin, invoiceID string, outcome dispute.Outcome) (dispute.Dispute, error)
	Get(ctx context.Context, invoiceID string) (dispute.Dispute, error)
	ListOpen(ctx context.Context) ([]dispute.Dispute, error)
}

type backupService interface {
	Create(ctx context.Context, admin, description string) (backup.Backup, error)
	Restore(ctx context.Context, admin, id string) error
	Validate(ctx context.Context, id string) (bool, error)
	Archive(ctx context.Context, admin, id string) error
	Get(ctx context.Context, id string) (backup.Backup, error)
	List(ctx context.Context) ([]backup.Backup, error)
}

type auditService interface {
	Trail(ctx context.Context, invoiceID string) ([]audit.Entry, error)
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	ValidateIntegrity(ctx context.Context) (audit.IntegrityReport, error)
}

type tokenService interface {
	Mint(ctx context.Context, caller, to string, amount int64, currency string) error
	Balance(ctx context.Context, address, currency string) (int64, error)
	Transfers(ctx context.Context, address string, limit int) ([]token.Transfer, error)
}

// Server wires the HTTP surface to the domain services. Handlers only
// translate: identity and policy live in the services.
type Server struct {
	log *zap.Logger

	authService    authService
	kycService     kycService
	invoiceService invoiceService
	bidService     bidService
	escrowService  escrowService
	disputeService disputeService
	backupService  backupService
	auditService   auditService
	tokenService   tokenService
}

func (s *Server) logger() *zap.Logger {
	if s.log == nil {
		return zap.NewNop()
	}
	return s.log
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("/api/kyc", s.requireAuth(s.handleKYC))
	mux.HandleFunc("/api/kyc/", s.requireAuth(s.handleKYCDetail))
	mux.HandleFunc("/api/invoices", s.requireAuth(s.handleInvoices))
	mux.HandleFunc("/api/invoices/", s.requireAuth(s.handleInvoiceDetail))
	mux.HandleFunc("/api/bids/", s.requireAuth(s.handleBidDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleOpenDisputes))
	mux.HandleFunc("/api/audit", s.requireAuth(s.handleAuditQuery))
	mux.HandleFunc("/api/audit/validate", s.requireAuth(s.handleAuditValidate))
	mux.HandleFunc("/api/backups", s.requireAuth(s.handleBackups))
	mux.HandleFunc("/api/backups/", s.requireAuth(s.handleBackupDetail))
	mux.HandleFunc("/api/tokens/mint", s.requireAuth(s.handleMint))
	mux.HandleFunc("/api/tokens/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("/api/tokens/transfers", s.requireAuth(s.handleTransfers))
	return mux
}

// requireAuth resolves the bearer token and stashes the account identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		accountID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccountID, accountID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func accountID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyAccountID).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   result.Token,
		"account": toAccountResponse(result.Account),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, err := s.authService.GetAccountByID(r.Context(), accountID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*account))
}

func (s *Server) handleKYC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.kycService.SubmitKYC(r.Context(), accountID(r), req.Payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// handleKYCDetail serves /api/kyc/{business} and its verify/reject actions.
func (s *Server) handleKYCDetail(w http.ResponseWriter, r *http.Request) {
	business, action := splitPath(strings.TrimPrefix(r.URL.Path, "/api/kyc/"))
	if business == "" {
		writeError(w, http.StatusBadRequest, "business id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		app, err := s.kycService.Status(r.Context(), business)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))
	case action == "verify" && r.Method == http.MethodPost:
		if err := s.kycService.VerifyBusiness(r.Context(), accountID(r), business); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case action == "reject" && r.Method == http.MethodPost:
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.kycService.RejectBusiness(r.Context(), accountID(r), business, req.Reason); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f, err := invoiceFilters(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		invoices, err := s.invoiceService.List(r.Context(), f)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]invoiceResponse, 0, len(invoices))
		for _, inv := range invoices {
			items = append(items, toInvoiceResponse(inv))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	case http.MethodPost:
		var req struct {
			Amount      int64    `json:"amount"`
			Currency    string   `json:"currency"`
			DueDate     string   `json:"dueDate"`
			Description string   `json:"description"`
			Category    string   `json:"category"`
			Tags        []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		dueDate, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be RFC3339")
			return
		}
		inv, err := s.invoiceService.Store(r.Context(), accountID(r), invoice.CreateParams{
			Amount:      req.Amount,
			Currency:    req.Currency,
			DueDate:     dueDate,
			Description: req.Description,
			Category:    invoice.Category(req.Category),
			Tags:        req.Tags,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleInvoiceDetail serves /api/invoices/{id} and every nested resource.
func (s *Server) handleInvoiceDetail(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/api/invoices/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invoice id required")
		return
	}

	switch {
	case rest == "":
		s.handleInvoice(w, r, id)
	case rest == "status":
		s.handleInvoiceStatus(w, r, id)
	case rest == "ratings":
		s.handleRatings(w, r, id)
	case rest == "bids":
		s.handleInvoiceBids(w, r, id)
	case rest == "bids/best":
		s.handleBestBid(w, r, id)
	case rest == "accept":
		s.handleAcceptBid(w, r, id)
	case rest == "escrow":
		s.handleEscrow(w, r, id)
	case rest == "escrow/release":
		s.handleEscrowRelease(w, r, id)
	case rest == "escrow/refund":
		s.handleEscrowRefund(w, r, id)
	case rest == "payments":
		s.handlePayments(w, r, id)
	case rest == "settle":
		s.handleSettle(w, r, id)
	case rest == "dispute":
		s.handleDispute(w, r, id)
	case rest == "dispute/resolve":
		s.handleDisputeResolve(w, r, id)
	case rest == "audit":
		s.handleTrail(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	inv, err := s.invoiceService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleInvoiceStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	inv, err := s.invoiceService.UpdateStatus(r.Context(), accountID(r), id, invoice.Status(req.Status))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleRatings(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		ratings, err := s.invoiceService.Ratings(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]ratingResponse, 0, len(ratings))
		for _, rating := range ratings {
			items = append(items, toRatingResponse(rating))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req struct {
			Score    int    `json:"score"`
			Feedback string `json:"feedback"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.invoiceService.AddRating(r.Context(), accountID(r), id, req.Score, req.Feedback); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "rated"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleInvoiceBids(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		bids, err := s.bidService.ListForInvoice(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]bidResponse, 0, len(bids))
		for _, b := range bids {
			items = append(items, toBidResponse(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req struct {
			BidAmount      int64 `json:"bidAmount"`
			ExpectedReturn int64 `json:"expectedReturn"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		b, err := s.bidService.Place(r.Context(), accountID(r), id, req.BidAmount, req.ExpectedReturn)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBidResponse(b))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleBestBid(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	b, err := s.bidService.Best(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(b))
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		BidID string `json:"bidId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.bidService.Accept(r.Context(), accountID(r), id, req.BidID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

func (s *Server) handleBidDetail(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(strings.TrimPrefix(r.URL.Path, "/api/bids/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "bid id required")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		b, err := s.bidService.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBidResponse(b))
	case action == "withdraw" && r.Method == http.MethodPost:
		if err := s.bidService.Withdraw(r.Context(), accountID(r), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	esc, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	esc, err := s.escrowService.Release(r.Context(), accountID(r), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	esc, err := s.escrowService.Refund(r.Context(), accountID(r), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		payments, err := s.escrowService.Payments(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]paymentResponse, 0, len(payments))
		for _, p := range payments {
			items = append(items, toPaymentResponse(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		settled, err := s.escrowService.RecordPayment(r.Context(), accountID(r), id, req.Amount)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"settled": settled})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	settled, err := s.escrowService.Settle(r.Context(), accountID(r), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settled": settled})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		d, err := s.disputeService.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case http.MethodPost:
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		d, err := s.disputeService.Create(r.Context(), accountID(r), id, req.Reason)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(d))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := s.disputeService.Resolve(r.Context(), accountID(r), id, dispute.Outcome(req.Outcome))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleOpenDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	disputes, err := s.disputeService.ListOpen(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.auditService.Trail(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toAuditEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Operation: audit.Operation(q.Get("operation")),
		Actor:     q.Get("actor"),
		InvoiceID: q.Get("invoice"),
	}
	if v := q.Get("sinceSeq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sinceSeq must be an integer")
			return
		}
		f.SinceSeq = seq
	}
	if v := q.Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
			return
		}
		f.From = from
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
			return
		}
		f.To = to
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = limit
	}
	entries, err := s.auditService.Query(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toAuditEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuditValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	report, err := s.auditService.ValidateIntegrity(r.Context())
	if err != nil && !errors.Is(err, audit.ErrIntegrityViolation) {
		s.writeServiceError(w, err)
		return
	}
	gaps := make([]map[string]int64, 0, len(report.Gaps))
	for _, g := range report.Gaps {
		gaps = append(gaps, map[string]int64{"after": g.After, "next": g.Next})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": report.Entries,
		"maxSeq":  report.MaxSeq,
		"gaps":    gaps,
		"valid":   err == nil,
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		backups, err := s.backupService.List(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]backupResponse, 0, len(backups))
		for _, b := range backups {
			items = append(items, toBackupResponse(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req struct {
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		b, err := s.backupService.Create(r.Context(), accountID(r), req.Description)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBackupResponse(b))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleBackupDetail(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(strings.TrimPrefix(r.URL.Path, "/api/backups/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "backup id required")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		b, err := s.backupService.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBackupResponse(b))
	case action == "restore" && r.Method == http.MethodPost:
		if err := s.backupService.Restore(r.Context(), accountID(r), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
	case action == "archive" && r.Method == http.MethodPost:
		if err := s.backupService.Archive(r.Context(), accountID(r), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	case action == "validate" && r.Method == http.MethodGet:
		ok, err := s.backupService.Validate(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": ok})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		To       string `json:"to"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.tokenService.Mint(r.Context(), accountID(r), req.To, req.Amount, req.Currency); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "minted"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		address = accountID(r)
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "currency required")
		return
	}
	balance, err := s.tokenService.Balance(r.Context(), address, currency)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "currency": currency, "balance": balance})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		address = accountID(r)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	transfers, err := s.tokenService.Transfers(r.Context(), address, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		items = append(items, toTransferResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func invoiceFilters(r *http.Request) (invoice.Filters, error) {
	q := r.URL.Query()
	f := invoice.Filters{
		Business: q.Get("business"),
		Status:   invoice.Status(q.Get("status")),
		Category: invoice.Category(q.Get("category")),
		Tag:      q.Get("tag"),
	}
	if v := q.Get("minRating"); v != "" {
		rating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return invoice.Filters{}, errors.New("minRating must be a number")
		}
		f.MinRating = rating
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return invoice.Filters{}, errors.New("limit must be an integer")
		}
		f.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return invoice.Filters{}, errors.New("offset must be an integer")
		}
		f.Offset = offset
	}
	return f, nil
}

// splitPath returns the first path segment and everything after it.
func splitPath(path string) (head, rest string) {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// writeServiceError maps domain sentinels to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, verification.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, invoice.ErrInvoiceNotFound),
		errors.Is(err, bid.ErrBidNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, dispute.ErrDisputeNotFound),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, verification.ErrApplicationNotFound),
		errors.Is(err, auth.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, verification.ErrAlreadyVerified),
		errors.Is(err, invoice.ErrDuplicateRating),
		errors.Is(err, bid.ErrDuplicateBid),
		errors.Is(err, bid.ErrBidAlreadyAccepted),
		errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, escrow.ErrEscrowAlreadyResolved),
		errors.Is(err, dispute.ErrDuplicateDispute),
		errors.Is(err, dispute.ErrDisputeResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, invoice.ErrInvalidStatusTransition),
		errors.Is(err, verification.ErrNotVerifiedBusiness),
		errors.Is(err, escrow.ErrDefaultNotReached),
		errors.Is(err, token.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, invoice.ErrInvalidAmount),
		errors.Is(err, invoice.ErrInvalidDescription),
		errors.Is(err, invoice.ErrDueDateInvalid),
		errors.Is(err, invoice.ErrInvalidCategory),
		errors.Is(err, invoice.ErrInvalidTag),
		errors.Is(err, invoice.ErrInvalidRating),
		errors.Is(err, bid.ErrInvalidBidAmount),
		errors.Is(err, dispute.ErrInvalidReason),
		errors.Is(err, token.ErrInvalidTransfer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audit.ErrIntegrityViolation):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger().Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
