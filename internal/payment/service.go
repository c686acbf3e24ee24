package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Pusher is the provider API used by the service
type Pusher interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// Scheduler queues a delayed status query for a pending checkout
type Scheduler interface {
	ScheduleStatusQuery(ctx context.Context, checkoutRequestID string) error
}

// Users confirms that a payer account exists
type Users interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Service handles payment operations
type Service struct {
	pusher       Pusher
	transactions store.Transactions
	users        Users
	scheduler    Scheduler
	validator    *validator.Validate
	logger       *slog.Logger
}

// NewService creates a new payment service. scheduler may be nil.
func NewService(pusher Pusher, transactions store.Transactions, users Users, scheduler Scheduler, logger *slog.Logger) *Service {
	return &Service{
		pusher:       pusher,
		transactions: transactions,
		users:        users,
		scheduler:    scheduler,
		validator:    validator.New(),
		logger:       logger,
	}
}

// InitiateRequest represents the payment initiation request
type InitiateRequest struct {
	UserID           int64  `validate:"gt=0"`
	Phone            string `validate:"required"`
	Amount           string `validate:"required"`
	AccountReference string `validate:"required,max=64"`
	Description      string `validate:"max=128"`
}

// InitiateResult represents the payment initiation response
type InitiateResult struct {
	Success             bool   `json:"success"`
	TransactionID       int64  `json:"transaction_id"`
	MerchantRequestID   string `json:"merchant_request_id"`
	CheckoutRequestID   string `json:"checkout_request_id"`
	ResponseCode        string `json:"response_code"`
	ResponseDescription string `json:"response_description"`
	CustomerMessage     string `json:"customer_message"`
}

// Initiate validates the request, sends an STK Push and records the
// pending transaction. Nothing is stored when the provider call fails.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	amount, err := mpesa.ValidateAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.ensureUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = "Payment for " + req.AccountReference
	}

	resp, err := s.pusher.STKPush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           amount,
		AccountReference: req.AccountReference,
		Description:      description,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "stk push failed", "user_id", req.UserID, "error", err)
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("checkout_request_id", resp.CheckoutRequestID))

	tx := &models.PaymentTransaction{
		UserID:            req.UserID,
		MerchantRequestID: &resp.MerchantRequestID,
		CheckoutRequestID: &resp.CheckoutRequestID,
		Amount:            amount,
		PhoneNumber:       phone,
		AccountReference:  req.AccountReference,
		TransactionDesc:   &description,
		Status:            models.StatusPending,
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		// The prompt is already on the payer's phone; operators must reconcile by checkout id.
		metrics.STKPushPersistFailed.Inc()
		s.logger.ErrorContext(ctx, "stk push accepted but transaction not saved",
			"merchant_request_id", resp.MerchantRequestID,
			"user_id", req.UserID,
			"amount", amount.String(),
			"phone", phone,
			"error", err,
		)
		return nil, apperrors.Persistence(err, "payment request %s was sent but could not be recorded", resp.CheckoutRequestID)
	}

	s.logger.InfoContext(ctx, "stk push initiated", "transaction_id", tx.ID, "user_id", req.UserID)

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleStatusQuery(ctx, resp.CheckoutRequestID); err != nil {
			s.logger.WarnContext(ctx, "failed to schedule status query", "error", err)
		}
	}

	return &InitiateResult{
		Success:             true,
		TransactionID:       tx.ID,
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the provider for the state of a checkout request.
// It does not touch local state.
func (s *Service) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, apperrors.Validation("checkout_request_id is required")
	}
	return s.pusher.QueryStatus(ctx, checkoutRequestID)
}

// GetTransaction returns one transaction by id
func (s *Service) GetTransaction(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	if id <= 0 {
		return nil, apperrors.Validation("invalid transaction id")
	}

	tx, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("transaction %d not found", id)
		}
		return nil, apperrors.Internal(err, "failed to load transaction")
	}
	return tx, nil
}

// ListTransactions returns a user's transactions, newest first
func (s *Service) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.PaymentTransaction, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperrors.Validation("invalid status %q", filter.Status)
	}
	if filter.Offset < 0 {
		return nil, apperrors.Validation("offset must not be negative")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	if err := s.ensureUser(ctx, filter.UserID); err != nil {
		return nil, err
	}

	txs, err := s.transactions.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list transactions")
	}
	if txs == nil {
		txs = []*models.PaymentTransaction{}
	}
	return txs, nil
}

func (s *Service) ensureUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return apperrors.Validation("user_id is required")
	}

	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return apperrors.Internal(err, "failed to look up user")
	}
	if !exists {
		return apperrors.NotFound("user %d not found", userID)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("validation failed: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return apperrors.Validation("validation failed: %s", strings.Join(msgs, ", "))
}
