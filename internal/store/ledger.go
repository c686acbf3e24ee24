package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shieldai/shieldai-backend/internal/models"
)

// LedgerRepository is the Postgres implementation of Ledger
type LedgerRepository struct {
	q executor
}

// NewLedgerRepository creates a ledger repository backed by pool
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{q: pool}
}

// Create inserts e and fills in its id
func (r *LedgerRepository) Create(ctx context.Context, e *models.LedgerEntry) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO wallet_transactions (
			user_id, amount, recipient, occurred_at, location, is_fraudulent, fraud_confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.UserID, e.Amount, e.Recipient, e.OccurredAt, e.Location, e.IsFraudulent, e.FraudConfidence,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ListByUser returns a user's ledger, newest first
func (r *LedgerRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, user_id, amount, recipient, occurred_at, location, is_fraudulent, fraud_confidence
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Recipient, &e.OccurredAt,
			&e.Location, &e.IsFraudulent, &e.FraudConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", err)
	}
	return out, nil
}
