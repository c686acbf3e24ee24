package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is an account holder that may initiate payments
type User struct {
	ID           int64           `json:"id"`
	FullName     string          `json:"full_name"`
	Phone        string          `json:"phone"`
	MpesaBalance decimal.Decimal `json:"mpesa_balance"`
	PinHash      string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerEntry is a wallet transaction submitted for fraud scoring
type LedgerEntry struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Recipient       string          `json:"recipient"`
	OccurredAt      time.Time       `json:"timestamp"`
	Location        *string         `json:"location"`
	IsFraudulent    bool            `json:"is_fraudulent"`
	FraudConfidence float64         `json:"fraud_confidence"`
}
