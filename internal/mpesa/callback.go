package mpesa

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
)

// Result codes with special meaning; any other non-zero code is a failure.
const (
	ResultCodeSuccess   = 0
	ResultCodeCancelled = 1032
)

// Item represents a key-value pair from M-Pesa callback metadata
type Item struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// STKCallback is the stkCallback object of a webhook delivery.
type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []Item `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

// CallbackPayload represents the M-Pesa callback structure
type CallbackPayload struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// PaymentDetails are the fields extracted from a successful callback's metadata.
// A missing item leaves its field nil.
type PaymentDetails struct {
	Amount          *decimal.Decimal
	ReceiptNumber   *string
	TransactionDate *time.Time
	PhoneNumber     *string
}

var requiredCallbackFields = []string{"MerchantRequestID", "CheckoutRequestID", "ResultCode", "ResultDesc"}

// ValidateCallback checks the minimal webhook shape before anything is mutated.
func ValidateCallback(raw []byte) error {
	// The raw body is stored verbatim in a text column.
	if !utf8.Valid(raw) {
		return apperrors.Validation("payload is not valid UTF-8")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return apperrors.Validation("invalid JSON")
	}

	bodyRaw, ok := top["Body"]
	if !ok {
		return apperrors.Validation("missing required field: Body")
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(bodyRaw, &body); err != nil {
		return apperrors.Validation("Body must be an object")
	}

	stkRaw, ok := body["stkCallback"]
	if !ok {
		return apperrors.Validation("missing stkCallback in Body")
	}

	var stk map[string]json.RawMessage
	if err := json.Unmarshal(stkRaw, &stk); err != nil {
		return apperrors.Validation("stkCallback must be an object")
	}

	for _, field := range requiredCallbackFields {
		if v, ok := stk[field]; !ok || bytes.Equal(v, []byte("null")) {
			return apperrors.Validation("missing required field in stkCallback: %s", field)
		}
	}

	return nil
}

// ParseCallback validates and decodes a webhook body.
func ParseCallback(raw []byte) (*CallbackPayload, error) {
	if err := ValidateCallback(raw); err != nil {
		return nil, err
	}

	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperrors.Validation("malformed stkCallback: %v", err)
	}
	if payload.Body.StkCallback.CheckoutRequestID == "" {
		return nil, apperrors.Validation("CheckoutRequestID must not be empty")
	}
	return &payload, nil
}

// Metadata returns the callback metadata items keyed by name.
func (c STKCallback) Metadata() map[string]any {
	if c.CallbackMetadata == nil {
		return map[string]any{}
	}
	return ParseMpesaMetadata(c.CallbackMetadata.Item)
}

// ParseMpesaMetadata converts M-Pesa's metadata array to a clean map
// Input example: [{"Name": "Amount", "Value": 100}, {"Name": "MpesaReceiptNumber", "Value": "ABC123"}]
// Output: {"Amount": 100, "MpesaReceiptNumber": "ABC123"}
func ParseMpesaMetadata(items []Item) map[string]any {
	result := make(map[string]any, len(items))
	for _, item := range items {
		if item.Name != "" {
			result[item.Name] = item.Value
		}
	}
	return result
}

// Details extracts the payment fields of a successful callback.
// TransactionDate is interpreted in loc.
func (c STKCallback) Details(loc *time.Location) PaymentDetails {
	meta := c.Metadata()
	var d PaymentDetails

	if s, ok := stringItem(meta, "Amount"); ok {
		if amount, err := decimal.NewFromString(s); err == nil {
			d.Amount = &amount
		}
	}
	if s, ok := stringItem(meta, "MpesaReceiptNumber"); ok {
		d.ReceiptNumber = &s
	}
	if s, ok := stringItem(meta, "TransactionDate"); ok {
		if ts, err := ParseTimestamp(s, loc); err == nil {
			d.TransactionDate = &ts
		}
	}
	if s, ok := stringItem(meta, "PhoneNumber"); ok {
		d.PhoneNumber = &s
	}

	return d
}

func stringItem(meta map[string]any, name string) (string, bool) {
	v, ok := meta[name]
	if !ok || v == nil {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}
