package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/shieldai/shieldai-backend/internal/account"
	"github.com/shieldai/shieldai-backend/internal/fraud"
	"github.com/shieldai/shieldai-backend/internal/models"
)

// PinHeader carries the wallet PIN on read requests
const PinHeader = "X-User-PIN"

// AccountService manages wallet users
type AccountService interface {
	Register(ctx context.Context, req account.RegisterRequest) (*models.User, error)
	Authenticate(ctx context.Context, phone, pin string) (*models.User, error)
	UpdateBalance(ctx context.Context, phone, pin, balance string) (decimal.Decimal, error)
}

// FraudChecker scores wallet transactions
type FraudChecker interface {
	Check(ctx context.Context, req fraud.CheckRequest) (*fraud.CheckResult, error)
	History(ctx context.Context, phone, pin string, limit, offset int) ([]*models.LedgerEntry, error)
}

// AccountHandler serves the wallet user and fraud check routes
type AccountHandler struct {
	accounts AccountService
	fraud    FraudChecker
	logger   *slog.Logger
}

// NewAccountHandler creates the wallet handlers
func NewAccountHandler(accounts AccountService, checker FraudChecker, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		fraud:    checker,
		logger:   logger,
	}
}

// CreateUserRequest is the body of POST /api/users
type CreateUserRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Pin      string `json:"pin"`
}

// CreateUser handles POST /api/users
func (h *AccountHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}
	if req.FullName == "" || req.Phone == "" || req.Pin == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "Full name, phone, and PIN are required")
		return
	}

	u, err := h.accounts.Register(r.Context(), account.RegisterRequest{
		FullName: req.FullName,
		Phone:    req.Phone,
		Pin:      req.Pin,
	})
	if err != nil {
		respondAppError(w, r, h.logger, "create user failed", err)
		return
	}

	respondJSON(w, http.StatusCreated, u)
}

// LoginRequest is the body of POST /api/login
type LoginRequest struct {
	Phone string `json:"phone"`
	Pin   string `json:"pin"`
}

// Login handles POST /api/login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	u, err := h.accounts.Authenticate(r.Context(), req.Phone, req.Pin)
	if err != nil {
		respondAppError(w, r, h.logger, "login failed", err)
		return
	}

	respondJSON(w, http.StatusOK, u)
}

// BalanceRequest is the body of POST /api/users/{phone}/balance. Balance
// accepts a JSON number or a numeric string.
type BalanceRequest struct {
	Balance *json.Number `json:"balance"`
	Pin     string       `json:"pin"`
}

// UpdateBalance handles POST /api/users/{phone}/balance
func (h *AccountHandler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}
	if req.Balance == nil || req.Pin == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "Balance and PIN are required")
		return
	}

	balance, err := h.accounts.UpdateBalance(r.Context(), chi.URLParam(r, "phone"), req.Pin, req.Balance.String())
	if err != nil {
		respondAppError(w, r, h.logger, "balance update failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Balance updated successfully",
		"balance": balance,
	})
}

// CheckFraudRequest is the body of POST /api/check-fraud. UserID is the
// caller's phone number.
type CheckFraudRequest struct {
	UserID      string              `json:"user_id"`
	Pin         string              `json:"pin"`
	Transaction *CheckedTransaction `json:"transaction"`
}

// CheckedTransaction is the transaction submitted for scoring
type CheckedTransaction struct {
	Amount    json.Number `json:"amount"`
	Recipient string      `json:"recipient"`
	Timestamp string      `json:"timestamp"`
	Location  *string     `json:"location"`
}

// CheckFraud handles POST /api/check-fraud
func (h *AccountHandler) CheckFraud(w http.ResponseWriter, r *http.Request) {
	var req CheckFraudRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" || req.Pin == "" || req.Transaction == nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Missing user_id, pin, or transaction data")
		return
	}

	res, err := h.fraud.Check(r.Context(), fraud.CheckRequest{
		Phone:     req.UserID,
		Pin:       req.Pin,
		Amount:    req.Transaction.Amount.String(),
		Recipient: req.Transaction.Recipient,
		Timestamp: req.Transaction.Timestamp,
		Location:  req.Transaction.Location,
	})
	if err != nil {
		respondAppError(w, r, h.logger, "fraud check failed", err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// ListLedger handles GET /api/users/{phone}/transactions. The PIN travels
// in the X-User-PIN header so it stays out of access logs.
func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	pin := r.Header.Get(PinHeader)
	if pin == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "PIN is required")
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "offset must be an integer")
		return
	}

	entries, err := h.fraud.History(r.Context(), chi.URLParam(r, "phone"), pin, limit, offset)
	if err != nil {
		respondAppError(w, r, h.logger, "list ledger failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}
