package fraud

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/store"
)

const (
	historyWindow     = 50
	minRecipientLen   = 10
	maxRecipientLen   = 64
	maxLocationLen    = 128
	defaultLedgerPage = 20
	maxLedgerPage     = 100
	unsavedWarning    = "Transaction detected but not saved to database"
)

// Authenticator verifies a user's PIN
type Authenticator interface {
	Authenticate(ctx context.Context, phone, pin string) (*models.User, error)
}

// Scorer produces a verdict for a transaction
type Scorer interface {
	Detect(ctx context.Context, history []*models.LedgerEntry, tx Candidate) Verdict
}

// Checker scores wallet transactions for PIN-authenticated users
type Checker struct {
	accounts Authenticator
	ledger   store.Ledger
	scorer   Scorer
	logger   *slog.Logger
}

// NewChecker creates a checker
func NewChecker(accounts Authenticator, ledger store.Ledger, scorer Scorer, logger *slog.Logger) *Checker {
	return &Checker{
		accounts: accounts,
		ledger:   ledger,
		scorer:   scorer,
		logger:   logger,
	}
}

// CheckRequest is a transaction submitted for scoring. Timestamp is ISO
// 8601; a value without a zone is read as UTC.
type CheckRequest struct {
	Phone     string
	Pin       string
	Amount    string
	Recipient string
	Timestamp string
	Location  *string
}

// CheckResult is the verdict plus the ledger id it was stored under. When
// storing fails the verdict is still returned with a warning.
type CheckResult struct {
	Verdict
	TransactionID *int64 `json:"transaction_id,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// Check authenticates the caller, scores the transaction against their
// latest ledger entries and records the outcome.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	candidate, err := parseCandidate(req)
	if err != nil {
		return nil, err
	}

	user, err := c.accounts.Authenticate(ctx, req.Phone, req.Pin)
	if err != nil {
		return nil, err
	}
	ctx = logging.AppendCtx(ctx, slog.Int64("user_id", user.ID))

	history, err := c.ledger.ListByUser(ctx, user.ID, historyWindow, 0)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load transaction history")
	}

	verdict := c.scorer.Detect(ctx, history, candidate)
	metrics.FraudCheck(verdictLabel(verdict)).Inc()
	c.logger.InfoContext(ctx, "transaction scored",
		"is_fraud", verdict.IsFraud,
		"confidence", verdict.Confidence,
		"model", verdict.Model,
		"history", len(history),
	)

	result := &CheckResult{Verdict: verdict}
	entry := &models.LedgerEntry{
		UserID:          user.ID,
		Amount:          candidate.Amount,
		Recipient:       candidate.Recipient,
		OccurredAt:      candidate.OccurredAt,
		Location:        candidate.Location,
		IsFraudulent:    verdict.IsFraud,
		FraudConfidence: verdict.Confidence,
	}
	if err := c.ledger.Create(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "failed to record scored transaction", "error", err)
		result.Warning = unsavedWarning
		return result, nil
	}

	result.TransactionID = &entry.ID
	return result, nil
}

// History returns the PIN holder's ledger, newest first.
func (c *Checker) History(ctx context.Context, phone, pin string, limit, offset int) ([]*models.LedgerEntry, error) {
	if offset < 0 {
		return nil, apperrors.Validation("offset must not be negative")
	}
	switch {
	case limit <= 0:
		limit = defaultLedgerPage
	case limit > maxLedgerPage:
		limit = maxLedgerPage
	}

	user, err := c.accounts.Authenticate(ctx, phone, pin)
	if err != nil {
		return nil, err
	}

	entries, err := c.ledger.ListByUser(ctx, user.ID, limit, offset)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list transactions")
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return entries, nil
}

func parseCandidate(req CheckRequest) (Candidate, error) {
	if strings.TrimSpace(req.Phone) == "" || req.Pin == "" {
		return Candidate{}, apperrors.Validation("missing user_id, pin, or transaction data")
	}

	rawAmount := strings.TrimSpace(req.Amount)
	if rawAmount == "" {
		return Candidate{}, apperrors.Validation("missing required field: amount")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return Candidate{}, apperrors.Validation("missing required field: recipient")
	}
	rawTime := strings.TrimSpace(req.Timestamp)
	if rawTime == "" {
		return Candidate{}, apperrors.Validation("missing required field: timestamp")
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || !amount.IsPositive() {
		return Candidate{}, apperrors.Validation("amount must be a positive number")
	}
	if n := len(recipient); n < minRecipientLen || n > maxRecipientLen {
		return Candidate{}, apperrors.Validation("recipient must be %d to %d characters", minRecipientLen, maxRecipientLen)
	}

	occurredAt, err := cast.ToTimeInDefaultLocationE(rawTime, time.UTC)
	if err != nil {
		return Candidate{}, apperrors.Validation("invalid timestamp %q", rawTime)
	}

	var location *string
	if req.Location != nil {
		loc := strings.TrimSpace(*req.Location)
		if len(loc) > maxLocationLen {
			return Candidate{}, apperrors.Validation("location must be at most %d characters", maxLocationLen)
		}
		if loc != "" {
			location = &loc
		}
	}

	return Candidate{
		Amount:     amount.Round(2),
		Recipient:  recipient,
		OccurredAt: occurredAt.UTC(),
		Location:   location,
	}, nil
}

func verdictLabel(v Verdict) string {
	switch {
	case v.Fallback():
		return "fallback"
	case v.IsFraud:
		return "fraud"
	default:
		return "clear"
	}
}
