package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/payment"
)

// PaymentService is the payment API exposed over HTTP
type PaymentService interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
	GetTransaction(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.PaymentTransaction, error)
}

// CallbackHandler processes provider webhooks
type CallbackHandler interface {
	Handle(ctx context.Context, raw []byte) (payment.CallbackResult, int)
}

// HealthChecker reports database connectivity
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	payments  PaymentService
	callbacks CallbackHandler
	db        HealthChecker
	logger    *slog.Logger
}

// NewHandler creates a new handler instance
func NewHandler(payments PaymentService, callbacks CallbackHandler, db HealthChecker, logger *slog.Logger) *Handler {
	return &Handler{
		payments:  payments,
		callbacks: callbacks,
		db:        db,
		logger:    logger,
	}
}

// STKPushRequest represents the /stkpush request. Amount accepts a JSON
// number or a numeric string.
type STKPushRequest struct {
	UserID           int64       `json:"user_id"`
	PhoneNumber      string      `json:"phone_number"`
	Amount           json.Number `json:"amount"`
	AccountReference string      `json:"account_reference"`
	Description      string      `json:"description"`
}

// STKPush handles POST /api/mpesa/stkpush
func (h *Handler) STKPush(w http.ResponseWriter, r *http.Request) {
	var req STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	res, err := h.payments.Initiate(r.Context(), payment.InitiateRequest{
		UserID:           req.UserID,
		Phone:            req.PhoneNumber,
		Amount:           req.Amount.String(),
		AccountReference: req.AccountReference,
		Description:      req.Description,
	})
	if err != nil {
		h.respondAppError(w, r, "payment initiation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// QueryRequest represents the /query request
type QueryRequest struct {
	CheckoutRequestID string `json:"checkout_request_id"`
}

// QueryStatus handles POST /api/mpesa/query
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	resp, err := h.payments.QueryStatus(r.Context(), req.CheckoutRequestID)
	if err != nil {
		h.respondAppError(w, r, "status query failed", err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetTransaction handles GET /api/mpesa/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "Invalid transaction id")
		return
	}

	tx, err := h.payments.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondAppError(w, r, "get transaction failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

// ListTransactions handles GET /api/mpesa/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "user_id parameter is required")
		return
	}

	filter := models.TransactionFilter{
		UserID: userID,
		Status: models.Status(q.Get("status")),
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "offset must be an integer")
		return
	}

	txs, err := h.payments.ListTransactions(r.Context(), filter)
	if err != nil {
		h.respondAppError(w, r, "list transactions failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// MPesaCallback handles POST /api/mpesa/callback. The provider retries on
// any non-2xx answer, so every outcome is reported through the status code.
func (h *Handler) MPesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "bad_request", "Request body too large")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to read callback body", "error", err)
		respondError(w, http.StatusBadRequest, "bad_request", "Failed to read request")
		return
	}

	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "No data received")
		return
	}

	h.logger.InfoContext(r.Context(), "mpesa callback received", "bytes", len(body))

	result, status := h.callbacks.Handle(r.Context(), body)
	if !result.Success {
		respondError(w, status, errorCode(status), result.Message)
		return
	}
	respondJSON(w, status, result)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{
		"status": "ok",
	}

	if err := h.db.Health(r.Context()); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	} else {
		health["database"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	respondAppError(w, r, h.logger, msg, err)
}

// respondAppError maps a classified error to its status. Internal details
// never reach the client.
func respondAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	kind := apperrors.KindOf(err)
	status := kind.HTTPStatus()

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, "kind", kind, "error", err)
	} else {
		logger.WarnContext(r.Context(), msg, "kind", kind, "error", err)
	}

	message := "An unexpected error occurred"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && kind != apperrors.KindInternal {
		message = appErr.Message
	}
	respondError(w, status, errorCode(status), message)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "provider_error"
	default:
		return "internal_server_error"
	}
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
