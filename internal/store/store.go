// Package store persists users, wallet ledger entries and M-Pesa
// transactions in Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shieldai/shieldai-backend/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert collides with a unique key.
	ErrConflict = errors.New("record already exists")
)

// Transactions is the persistence contract for payment transactions.
type Transactions interface {
	Create(ctx context.Context, tx *models.PaymentTransaction) error
	GetByID(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error)
	List(ctx context.Context, filter models.TransactionFilter) ([]*models.PaymentTransaction, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.PaymentTransaction, error)

	// WithTx runs fn inside one database transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(TransactionsTx) error) error
}

// TransactionsTx is the view of Transactions available inside WithTx.
type TransactionsTx interface {
	// GetByCheckoutIDForUpdate locks the row until the transaction ends.
	GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error)
	SaveCallbackData(ctx context.Context, id int64, raw []byte) error
	// Resolve moves a pending row to res.Status. It reports false, without
	// error, when the row was no longer pending.
	Resolve(ctx context.Context, id int64, res models.Resolution) (bool, error)
	// BackfillReceipt sets the receipt and payment date on a completed row
	// that has no receipt yet. It reports whether the row changed.
	BackfillReceipt(ctx context.Context, id int64, receipt string, paidAt *time.Time) (bool, error)
}

// Users stores account holders. Payment calls only need Exists.
type Users interface {
	Exists(ctx context.Context, id int64) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByPhone(ctx context.Context, phone string) (*models.User, error)
	// Create returns ErrConflict when the phone is already registered.
	Create(ctx context.Context, u *models.User) error
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error
}

// Ledger stores wallet transactions scored by the fraud checker.
type Ledger interface {
	Create(ctx context.Context, e *models.LedgerEntry) error
	// ListByUser returns entries newest first by occurrence time.
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.LedgerEntry, error)
}
