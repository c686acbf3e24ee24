//go:build integration

package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shieldai/shieldai-backend/internal/database"
	"github.com/shieldai/shieldai-backend/internal/models"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("shieldai"),
		postgres.WithUsername("shieldai"),
		postgres.WithPassword("shieldai"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(ctx, dsn))

	db, err := database.Connect(ctx, dsn, database.PoolOptions{MinConns: 1, MaxConns: 4}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return db.Pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool, phone string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (full_name, phone) VALUES ('Test User', $1) RETURNING id`, phone,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func pendingTx(userID int64, checkoutID string) *models.PaymentTransaction {
	merchantID := "m-" + checkoutID
	desc := "Payment for INV-1"
	return &models.PaymentTransaction{
		UserID:            userID,
		MerchantRequestID: &merchantID,
		CheckoutRequestID: &checkoutID,
		Amount:            decimal.RequireFromString("500.00"),
		PhoneNumber:       "254712345678",
		AccountReference:  "INV-1",
		TransactionDesc:   &desc,
		Status:            models.StatusPending,
	}
}

func TestTransactionRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	transactions := NewTransactionRepository(pool)
	users := NewUserRepository(pool)

	userID := seedUser(t, pool, "254712345678")

	t.Run("users", func(t *testing.T) {
		ok, err := users.Exists(ctx, userID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = users.Exists(ctx, userID+1000)
		require.NoError(t, err)
		assert.False(t, ok)

		u, err := users.GetByID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "Test User", u.FullName)

		_, err = users.GetByID(ctx, userID+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create and fetch", func(t *testing.T) {
		tx := pendingTx(userID, "ws_CO_create")
		require.NoError(t, transactions.Create(ctx, tx))
		assert.NotZero(t, tx.ID)
		assert.False(t, tx.CreatedAt.IsZero())

		got, err := transactions.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.True(t, tx.Amount.Equal(got.Amount))

		got, err = transactions.GetByCheckoutID(ctx, "ws_CO_create")
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)

		_, err = transactions.GetByCheckoutID(ctx, "ws_CO_missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = transactions.Create(ctx, pendingTx(userID, "ws_CO_create"))
		assert.Error(t, err)
	})

	t.Run("resolve is conditional on pending", func(t *testing.T) {
		tx := pendingTx(userID, "ws_CO_resolve")
		require.NoError(t, transactions.Create(ctx, tx))

		receipt := "NLJ7RT61SV"
		raw := []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`)

		err := transactions.WithTx(ctx, func(r TransactionsTx) error {
			row, err := r.GetByCheckoutIDForUpdate(ctx, "ws_CO_resolve")
			if err != nil {
				return err
			}
			if err := r.SaveCallbackData(ctx, row.ID, raw); err != nil {
				return err
			}
			ok, err := r.Resolve(ctx, row.ID, models.Resolution{
				Status:        models.StatusCompleted,
				ResultCode:    0,
				ResultDesc:    "ok",
				ReceiptNumber: &receipt,
			})
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)

		err = transactions.WithTx(ctx, func(r TransactionsTx) error {
			ok, err := r.Resolve(ctx, tx.ID, models.Resolution{Status: models.StatusFailed, ResultCode: 1, ResultDesc: "late"})
			assert.False(t, ok)
			return err
		})
		require.NoError(t, err)

		got, err := transactions.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.MpesaReceiptNumber)
		assert.Equal(t, receipt, *got.MpesaReceiptNumber)
		assert.JSONEq(t, string(raw), string(got.CallbackData))
	})

	t.Run("backfill receipt only on completed rows without one", func(t *testing.T) {
		tx := pendingTx(userID, "ws_CO_backfill")
		require.NoError(t, transactions.Create(ctx, tx))
		paidAt := time.Date(2025, 1, 1, 12, 5, 30, 0, time.UTC)

		err := transactions.WithTx(ctx, func(r TransactionsTx) error {
			ok, err := r.BackfillReceipt(ctx, tx.ID, "NLJ7RT61SZ", &paidAt)
			assert.False(t, ok, "pending rows are left alone")
			if err != nil {
				return err
			}
			ok, err = r.Resolve(ctx, tx.ID, models.Resolution{Status: models.StatusCompleted, ResultDesc: "queried"})
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)

		err = transactions.WithTx(ctx, func(r TransactionsTx) error {
			ok, err := r.BackfillReceipt(ctx, tx.ID, "NLJ7RT61SZ", &paidAt)
			assert.True(t, ok)
			if err != nil {
				return err
			}
			ok, err = r.BackfillReceipt(ctx, tx.ID, "OTHER00001", nil)
			assert.False(t, ok, "an existing receipt is kept")
			return err
		})
		require.NoError(t, err)

		got, err := transactions.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.MpesaReceiptNumber)
		assert.Equal(t, "NLJ7RT61SZ", *got.MpesaReceiptNumber)
		require.NotNil(t, got.TransactionDate)
		assert.True(t, paidAt.Equal(*got.TransactionDate))
	})

	t.Run("rollback on error", func(t *testing.T) {
		tx := pendingTx(userID, "ws_CO_rollback")
		require.NoError(t, transactions.Create(ctx, tx))

		err := transactions.WithTx(ctx, func(r TransactionsTx) error {
			if _, err := r.Resolve(ctx, tx.ID, models.Resolution{Status: models.StatusCancelled, ResultCode: 1032}); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		got, err := transactions.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("list newest first with status filter", func(t *testing.T) {
		otherUser := seedUser(t, pool, "254700000001")
		for _, id := range []string{"ws_CO_l1", "ws_CO_l2", "ws_CO_l3"} {
			require.NoError(t, transactions.Create(ctx, pendingTx(otherUser, id)))
		}

		all, err := transactions.List(ctx, models.TransactionFilter{UserID: otherUser, Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ws_CO_l3", *all[0].CheckoutRequestID)

		page, err := transactions.List(ctx, models.TransactionFilter{UserID: otherUser, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "ws_CO_l2", *page[0].CheckoutRequestID)

		completed, err := transactions.List(ctx, models.TransactionFilter{UserID: otherUser, Status: models.StatusCompleted, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, completed)
	})

	t.Run("stale pending", func(t *testing.T) {
		stale, err := transactions.ListStalePending(ctx, -time.Minute, 100)
		require.NoError(t, err)
		for _, tx := range stale {
			assert.Equal(t, models.StatusPending, tx.Status)
		}
		assert.NotEmpty(t, stale)

		none, err := transactions.ListStalePending(ctx, time.Hour, 100)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestUserRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	users := NewUserRepository(pool)

	u := &models.User{
		FullName:     "Amina Wanjiru",
		Phone:        "254722000111",
		MpesaBalance: decimal.RequireFromString("1500.50"),
		PinHash:      "$2a$10$hash",
	}
	require.NoError(t, users.Create(ctx, u))
	assert.NotZero(t, u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	dup := &models.User{FullName: "Other", Phone: "254722000111", PinHash: "x"}
	assert.ErrorIs(t, users.Create(ctx, dup), ErrConflict)

	got, err := users.GetByPhone(ctx, "254722000111")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "$2a$10$hash", got.PinHash)
	assert.True(t, got.MpesaBalance.Equal(decimal.RequireFromString("1500.50")))

	_, err = users.GetByPhone(ctx, "254799999999")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, users.UpdateBalance(ctx, u.ID, decimal.RequireFromString("20.25")))
	got, err = users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.MpesaBalance.Equal(decimal.RequireFromString("20.25")))

	assert.ErrorIs(t, users.UpdateBalance(ctx, u.ID+1000, decimal.Zero), ErrNotFound)
}

func TestLedgerRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	ledger := NewLedgerRepository(pool)

	userID := seedUser(t, pool, "254733000222")
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	nairobi := "Nairobi"

	for i, amount := range []string{"100", "2500", "40"} {
		e := &models.LedgerEntry{
			UserID:          userID,
			Amount:          decimal.RequireFromString(amount),
			Recipient:       "254700111222",
			OccurredAt:      base.Add(time.Duration(i) * time.Hour),
			Location:        &nairobi,
			FraudConfidence: 0.1,
		}
		require.NoError(t, ledger.Create(ctx, e))
		assert.NotZero(t, e.ID)
	}

	entries, err := ledger.ListByUser(ctx, userID, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("40")))
	require.NotNil(t, entries[0].Location)
	assert.Equal(t, "Nairobi", *entries[0].Location)

	page, err := ledger.ListByUser(ctx, userID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Amount.Equal(decimal.RequireFromString("2500")))

	bad := &models.LedgerEntry{UserID: userID, Amount: decimal.RequireFromString("5"), Recipient: "short", OccurredAt: base}
	assert.Error(t, ledger.Create(ctx, bad), "recipient length is checked")

	bad = &models.LedgerEntry{UserID: userID, Amount: decimal.RequireFromString("5"), Recipient: "254700111222", OccurredAt: base, FraudConfidence: 1.5}
	assert.Error(t, ledger.Create(ctx, bad), "confidence range is checked")
}
