package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shieldai/shieldai-backend/internal/models"
)

const userColumns = `id, full_name, phone, mpesa_balance, pin_hash, created_at`

// UserRepository is the Postgres implementation of Users
type UserRepository struct {
	q executor
}

// NewUserRepository creates a user repository backed by pool
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{q: pool}
}

// Exists reports whether a user with id exists
func (r *UserRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}

// GetByID fetches a user
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByPhone fetches a user by normalized phone number
func (r *UserRepository) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
}

// Create inserts u and fills in its id and creation time
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO users (full_name, phone, mpesa_balance, pin_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		u.FullName, u.Phone, u.MpesaBalance, u.PinHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user with phone %s: %w", u.Phone, ErrConflict)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateBalance overwrites the stored wallet balance
func (r *UserRepository) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := r.q.Exec(ctx, `UPDATE users SET mpesa_balance = $1 WHERE id = $2`, balance, id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.FullName, &u.Phone, &u.MpesaBalance, &u.PinHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
