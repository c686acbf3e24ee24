package payment

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Transactions. WithTx holds the store lock
// for the whole callback and restores a snapshot when the callback fails.
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]*models.PaymentTransaction
	nextID int64

	createErr  error
	resolveErr error
	lastFilter models.TransactionFilter
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*models.PaymentTransaction)}
}

func (s *memStore) Create(_ context.Context, tx *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	tx.ID = s.nextID
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = tx.CreatedAt
	row := *tx
	s.rows[tx.ID] = &row
	return nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *memStore) GetByCheckoutID(_ context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byCheckout(checkoutRequestID)
}

func (s *memStore) byCheckout(checkoutRequestID string) (*models.PaymentTransaction, error) {
	for _, row := range s.rows {
		if row.CheckoutRequestID != nil && *row.CheckoutRequestID == checkoutRequestID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) List(_ context.Context, f models.TransactionFilter) ([]*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFilter = f
	var out []*models.PaymentTransaction
	for _, row := range s.rows {
		if row.UserID != f.UserID || (f.Status != "" && row.Status != f.Status) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) ListStalePending(_ context.Context, olderThan time.Duration, limit int) ([]*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var out []*models.PaymentTransaction
	for _, row := range s.rows {
		if row.Status == models.StatusPending && row.CheckoutRequestID != nil && row.CreatedAt.Before(cutoff) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) WithTx(_ context.Context, fn func(store.TransactionsTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64]models.PaymentTransaction, len(s.rows))
	for id, row := range s.rows {
		snapshot[id] = *row
	}

	if err := fn(memTx{s}); err != nil {
		s.rows = make(map[int64]*models.PaymentTransaction, len(snapshot))
		for id, row := range snapshot {
			row := row
			s.rows[id] = &row
		}
		return err
	}
	return nil
}

// row returns a copy of the stored row for assertions.
func (s *memStore) row(id int64) models.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) seedPending(userID int64, checkoutRequestID string, amount string) *models.PaymentTransaction {
	merchantID := "m-" + checkoutRequestID
	checkout := checkoutRequestID
	amt, _ := mpesa.ValidateAmount(amount)
	tx := &models.PaymentTransaction{
		UserID:            userID,
		MerchantRequestID: &merchantID,
		CheckoutRequestID: &checkout,
		Amount:            amt,
		PhoneNumber:       "254712345678",
		AccountReference:  "INV-001",
		Status:            models.StatusPending,
	}
	_ = s.Create(context.Background(), tx)
	return tx
}

type memTx struct {
	s *memStore
}

func (t memTx) GetByCheckoutIDForUpdate(_ context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	return t.s.byCheckout(checkoutRequestID)
}

func (t memTx) SaveCallbackData(_ context.Context, id int64, raw []byte) error {
	row, ok := t.s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.CallbackData = append([]byte(nil), raw...)
	return nil
}

func (t memTx) Resolve(_ context.Context, id int64, res models.Resolution) (bool, error) {
	if t.s.resolveErr != nil {
		return false, t.s.resolveErr
	}
	row, ok := t.s.rows[id]
	if !ok || row.Status != models.StatusPending {
		return false, nil
	}

	code, desc := res.ResultCode, res.ResultDesc
	row.Status = res.Status
	row.ResultCode = &code
	row.ResultDesc = &desc
	if res.ReceiptNumber != nil {
		row.MpesaReceiptNumber = res.ReceiptNumber
	}
	if res.TransactionDate != nil {
		row.TransactionDate = res.TransactionDate
	}
	row.UpdatedAt = time.Now()
	return true, nil
}

func (t memTx) BackfillReceipt(_ context.Context, id int64, receipt string, paidAt *time.Time) (bool, error) {
	row, ok := t.s.rows[id]
	if !ok || row.Status != models.StatusCompleted || row.MpesaReceiptNumber != nil {
		return false, nil
	}
	row.MpesaReceiptNumber = &receipt
	if row.TransactionDate == nil {
		row.TransactionDate = paidAt
	}
	row.UpdatedAt = time.Now()
	return true, nil
}

type fakeUsers struct {
	ids map[int64]bool
	err error
}

func (u fakeUsers) Exists(_ context.Context, id int64) (bool, error) {
	if u.err != nil {
		return false, u.err
	}
	return u.ids[id], nil
}

type fakePusher struct {
	mu       sync.Mutex
	pushes   []mpesa.PushRequest
	queries  []string
	pushResp *mpesa.STKPushResponse
	pushErr  error
	queryRes *mpesa.STKQueryResponse
	queryErr error
}

func (p *fakePusher) STKPush(_ context.Context, req mpesa.PushRequest) (*mpesa.STKPushResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, req)
	if p.pushErr != nil {
		return nil, p.pushErr
	}
	return p.pushResp, nil
}

func (p *fakePusher) QueryStatus(_ context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, checkoutRequestID)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.queryRes, nil
}

type fakeScheduler struct {
	scheduled []string
	err       error
}

func (s *fakeScheduler) ScheduleStatusQuery(_ context.Context, checkoutRequestID string) error {
	s.scheduled = append(s.scheduled, checkoutRequestID)
	return s.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.StatusChanged
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event models.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) published() []models.StatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusChanged(nil), p.events...)
}
