package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shieldai/shieldai-backend/internal/models"
)

// executor is satisfied by both *pgxpool.Pool and pgx.Tx
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const transactionColumns = `
	id, user_id, merchant_request_id, checkout_request_id, mpesa_receipt_number,
	amount, phone_number, account_reference, transaction_desc,
	result_code, result_desc, status, transaction_date, callback_data,
	created_at, updated_at`

// TransactionRepository is the Postgres implementation of Transactions
type TransactionRepository struct {
	pool *pgxpool.Pool
	q    executor
}

// NewTransactionRepository creates a repository backed by pool
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool, q: pool}
}

// Create inserts a new transaction and fills in its id and timestamps
func (r *TransactionRepository) Create(ctx context.Context, t *models.PaymentTransaction) error {
	query := `
		INSERT INTO mpesa_transactions (
			user_id, merchant_request_id, checkout_request_id, amount,
			phone_number, account_reference, transaction_desc, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		t.UserID,
		t.MerchantRequestID,
		t.CheckoutRequestID,
		t.Amount,
		t.PhoneNumber,
		t.AccountReference,
		t.TransactionDesc,
		string(t.Status),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction with checkout request %s already exists: %w", deref(t.CheckoutRequestID), err)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by its internal id
func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM mpesa_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetByCheckoutID fetches a transaction by the provider's checkout request id
func (r *TransactionRepository) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM mpesa_transactions WHERE checkout_request_id = $1`, checkoutRequestID)
	return scanTransaction(row)
}

// List returns a user's transactions, newest first
func (r *TransactionRepository) List(ctx context.Context, f models.TransactionFilter) ([]*models.PaymentTransaction, error) {
	var (
		conds = []string{"user_id = $1"}
		args  = []any{f.UserID}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`SELECT %s FROM mpesa_transactions WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		transactionColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListStalePending returns pending transactions created more than olderThan ago
func (r *TransactionRepository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM mpesa_transactions
		WHERE status = 'pending' AND checkout_request_id IS NOT NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending transactions: %w", err)
	}
	return collectTransactions(rows)
}

// WithTx runs fn in a database transaction
func (r *TransactionRepository) WithTx(ctx context.Context, fn func(TransactionsTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txRepository{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txRepository struct {
	q executor
}

func (r *txRepository) GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM mpesa_transactions
		WHERE checkout_request_id = $1
		FOR UPDATE`, checkoutRequestID)
	return scanTransaction(row)
}

func (r *txRepository) SaveCallbackData(ctx context.Context, id int64, raw []byte) error {
	_, err := r.q.Exec(ctx, `UPDATE mpesa_transactions SET callback_data = $1, updated_at = NOW() WHERE id = $2`, string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to store callback data: %w", err)
	}
	return nil
}

func (r *txRepository) Resolve(ctx context.Context, id int64, res models.Resolution) (bool, error) {
	query := `
		UPDATE mpesa_transactions
		SET status = $1,
		    result_code = $2,
		    result_desc = $3,
		    mpesa_receipt_number = COALESCE($4, mpesa_receipt_number),
		    transaction_date = COALESCE($5, transaction_date),
		    updated_at = NOW()
		WHERE id = $6 AND status = 'pending'
	`

	tag, err := r.q.Exec(ctx, query,
		string(res.Status),
		res.ResultCode,
		res.ResultDesc,
		res.ReceiptNumber,
		res.TransactionDate,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) BackfillReceipt(ctx context.Context, id int64, receipt string, paidAt *time.Time) (bool, error) {
	query := `
		UPDATE mpesa_transactions
		SET mpesa_receipt_number = $1,
		    transaction_date = COALESCE(transaction_date, $2),
		    updated_at = NOW()
		WHERE id = $3 AND status = 'completed' AND mpesa_receipt_number IS NULL
	`

	tag, err := r.q.Exec(ctx, query, receipt, paidAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to backfill receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTransaction(row pgx.Row) (*models.PaymentTransaction, error) {
	var (
		t            models.PaymentTransaction
		status       string
		callbackData *string
	)

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.MerchantRequestID,
		&t.CheckoutRequestID,
		&t.MpesaReceiptNumber,
		&t.Amount,
		&t.PhoneNumber,
		&t.AccountReference,
		&t.TransactionDesc,
		&t.ResultCode,
		&t.ResultDesc,
		&status,
		&t.TransactionDate,
		&callbackData,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	t.Status = models.Status(status)
	if callbackData != nil {
		t.CallbackData = []byte(*callbackData)
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.PaymentTransaction, error) {
	defer rows.Close()

	var out []*models.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
