// Package account registers wallet users and verifies their PINs.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/store"
)

// NUMERIC(12,2)
var maxBalance = decimal.New(1, 10)

// Service manages user accounts
type Service struct {
	users     store.Users
	validator *validator.Validate
	hashCost  int
	logger    *slog.Logger
}

// NewService creates an account service
func NewService(users store.Users, logger *slog.Logger) *Service {
	return &Service{
		users:     users,
		validator: validator.New(),
		hashCost:  bcrypt.DefaultCost,
		logger:    logger,
	}
}

// RegisterRequest is a new account
type RegisterRequest struct {
	FullName string `validate:"required,max=255"`
	Phone    string `validate:"required"`
	Pin      string `validate:"required,numeric,min=4,max=8"`
}

// Register creates a user with a hashed PIN and a zero balance
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Pin), s.hashCost)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to hash pin")
	}

	u := &models.User{
		FullName:     req.FullName,
		Phone:        phone,
		MpesaBalance: decimal.Zero,
		PinHash:      string(hash),
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperrors.Conflict("phone %s is already registered", phone)
		}
		return nil, apperrors.Internal(err, "failed to create user")
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

// Authenticate loads the user behind phone and checks pin against the
// stored hash.
func (s *Service) Authenticate(ctx context.Context, phone, pin string) (*models.User, error) {
	if strings.TrimSpace(phone) == "" || pin == "" {
		return nil, apperrors.Validation("phone and pin are required")
	}

	normalized, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	u, err := s.users.GetByPhone(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal(err, "failed to look up user")
	}

	if u.PinHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PinHash), []byte(pin)) != nil {
		s.logger.WarnContext(ctx, "pin verification failed", "user_id", u.ID)
		return nil, apperrors.Unauthorized("invalid PIN")
	}
	return u, nil
}

// UpdateBalance sets the wallet balance of the PIN holder and returns the
// stored value.
func (s *Service) UpdateBalance(ctx context.Context, phone, pin, balance string) (decimal.Decimal, error) {
	if strings.TrimSpace(balance) == "" || pin == "" {
		return decimal.Zero, apperrors.Validation("balance and pin are required")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(balance))
	if err != nil {
		return decimal.Zero, apperrors.Validation("invalid balance format")
	}
	if amount.IsNegative() {
		return decimal.Zero, apperrors.Validation("balance cannot be negative")
	}
	amount = amount.Round(2)
	if amount.GreaterThanOrEqual(maxBalance) {
		return decimal.Zero, apperrors.Validation("balance exceeds %s", maxBalance.String())
	}

	u, err := s.Authenticate(ctx, phone, pin)
	if err != nil {
		return decimal.Zero, err
	}

	if err := s.users.UpdateBalance(ctx, u.ID, amount); err != nil {
		return decimal.Zero, apperrors.Internal(err, "failed to update balance")
	}

	s.logger.InfoContext(ctx, "balance updated", "user_id", u.ID)
	return amount, nil
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
