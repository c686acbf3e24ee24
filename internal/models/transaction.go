package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentTransaction represents an STK Push payment record
type PaymentTransaction struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	MerchantRequestID  *string         `json:"merchant_request_id"`
	CheckoutRequestID  *string         `json:"checkout_request_id"`
	MpesaReceiptNumber *string         `json:"mpesa_receipt_number"`
	Amount             decimal.Decimal `json:"amount"`
	PhoneNumber        string          `json:"phone_number"`
	AccountReference   string          `json:"account_reference"`
	TransactionDesc    *string         `json:"transaction_desc"`
	ResultCode         *int            `json:"result_code"`
	ResultDesc         *string         `json:"result_desc"`
	Status             Status          `json:"status"`
	TransactionDate    *time.Time      `json:"transaction_date,omitempty"`
	CallbackData       []byte          `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Status represents valid transaction states
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the known states.
func (s Status) IsValid() bool {
	return s == StatusPending || s.IsTerminal()
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// Resolution is the terminal outcome applied to a pending transaction.
type Resolution struct {
	Status          Status
	ResultCode      int
	ResultDesc      string
	ReceiptNumber   *string
	TransactionDate *time.Time
}

// TransactionFilter narrows a transaction listing
type TransactionFilter struct {
	UserID int64
	Status Status
	Limit  int
	Offset int
}

// StatusChanged is published after a transaction reaches a terminal state.
type StatusChanged struct {
	EventID           string          `json:"event_id"`
	TransactionID     int64           `json:"transaction_id"`
	UserID            int64           `json:"user_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Status            Status          `json:"status"`
	ResultCode        int             `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	ReceiptNumber     *string         `json:"receipt_number,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Source            string          `json:"source"`
	OccurredAt        time.Time       `json:"occurred_at"`
}
