package mpesa

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
)

const (
	countryCode     = "254"
	phoneDigits     = 12
	timestampLayout = "20060102150405"
)

// MaxAmount is the provider's single-transaction ceiling in KES.
var MaxAmount = decimal.NewFromInt(150000)

// NormalizePhone converts a Kenyan number to the 2547XXXXXXXX form the provider expects.
// Accepted inputs include "0712345678", "+254712345678", "00254712345678" and "712345678".
func NormalizePhone(raw string) (string, error) {
	phone := strings.TrimSpace(raw)

	if strings.HasPrefix(phone, "+") {
		phone = phone[1:]
	} else if strings.HasPrefix(phone, "00") {
		phone = phone[2:]
	}

	if strings.HasPrefix(phone, "0") {
		phone = countryCode + phone[1:]
	} else if !strings.HasPrefix(phone, countryCode) {
		phone = countryCode + phone
	}

	if len(phone) != phoneDigits || !isDigits(phone) {
		return "", apperrors.Validation("invalid phone number format: use 254XXXXXXXXX")
	}
	return phone, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ValidateAmount parses raw and checks it is a whole number of shillings in
// (0, MaxAmount]. The provider only accepts integer amounts.
func ValidateAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperrors.Validation("invalid amount format")
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperrors.Validation("amount must be greater than 0")
	}
	if amount.GreaterThan(MaxAmount) {
		return decimal.Zero, apperrors.Validation("amount exceeds maximum transaction limit of %s", MaxAmount)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return decimal.Zero, apperrors.Validation("amount must be a whole number of shillings")
	}
	return amount, nil
}

// BuildPassword returns base64(shortcode + passkey + timestamp).
func BuildPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// Timestamp formats t as YYYYMMDDHHMMSS in loc.
func Timestamp(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(timestampLayout)
}

// ParseTimestamp parses the provider's YYYYMMDDHHMMSS format in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(timestampLayout, s, loc)
}

// eatZone is used when the tz database has no entry for the configured zone.
var eatZone = time.FixedZone("EAT", 3*60*60)

// LoadLocation resolves the provider time zone, falling back to UTC+3.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return eatZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return eatZone
	}
	return loc
}
