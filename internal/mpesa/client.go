package mpesa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/metrics"
)

const (
	oauthPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"
)

// Config holds Daraja API configuration
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
	Location        *time.Location
}

func (c Config) validate() error {
	fields := []struct{ name, value string }{
		{"consumer key", c.ConsumerKey},
		{"consumer secret", c.ConsumerSecret},
		{"short code", c.ShortCode},
		{"passkey", c.Passkey},
		{"callback url", c.CallbackURL},
		{"base url", c.BaseURL},
	}

	var missing []string
	for _, f := range fields {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing M-Pesa configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Client talks to the Daraja STK Push and query endpoints
type Client struct {
	cfg        Config
	tokens     *TokenCache
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a provider client; it fails if any credential is missing.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = LoadLocation("Africa/Nairobi")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}

	return &Client{
		cfg:        cfg,
		tokens:     NewTokenCache(cfg.ConsumerKey, cfg.ConsumerSecret, cfg.BaseURL+oauthPath, httpClient),
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// Location is the provider time zone used for timestamps.
func (c *Client) Location() *time.Location {
	return c.cfg.Location
}

// PushRequest is a validated STK Push request
type PushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushRequest represents Safaricom STK Push API request
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse represents Safaricom STK Push API response
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKQueryRequest is the body of a status query
type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// STKQueryResponse is the provider's answer to a status query
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// errorResponse is the body Daraja returns on non-2xx responses.
type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ProviderError carries the HTTP status and Daraja error code of a failed call.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("daraja error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("daraja error (status %d): %s", e.StatusCode, e.Message)
}

// StillProcessing reports whether a query failed only because the
// payer has not completed the prompt yet.
func (e *ProviderError) StillProcessing() bool {
	return e.Code == "500.001.1001"
}

// STKPush sends a payment prompt to the payer's phone
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*STKPushResponse, error) {
	timestamp := Timestamp(c.now(), c.cfg.Location)

	description := req.Description
	if description == "" {
		description = "Payment for " + req.AccountReference
	}

	body := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          BuildPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount.IntPart(), // whole shillings only
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   description,
	}

	var resp STKPushResponse
	if err := c.post(ctx, stkPushPath, body, &resp); err != nil {
		metrics.STKPushRejected.Inc()
		return nil, err
	}

	if resp.ResponseCode != "0" {
		metrics.STKPushRejected.Inc()
		return nil, apperrors.Provider(nil, "STK Push rejected (code %s): %s", resp.ResponseCode, resp.ResponseDescription)
	}
	if resp.CheckoutRequestID == "" {
		metrics.STKPushRejected.Inc()
		return nil, apperrors.Provider(nil, "STK Push response missing CheckoutRequestID")
	}

	metrics.STKPushAccepted.Inc()
	return &resp, nil
}

// QueryStatus asks the provider for the current state of a checkout request.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	if checkoutRequestID == "" {
		return nil, apperrors.Validation("checkout_request_id is required")
	}

	timestamp := Timestamp(c.now(), c.cfg.Location)
	body := STKQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          BuildPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp STKQueryResponse
	if err := c.post(ctx, stkQueryPath, body, &resp); err != nil {
		metrics.StatusQueryError.Inc()
		return nil, err
	}

	metrics.StatusQueryOK.Inc()
	return &resp, nil
}

// post sends an authenticated JSON request and decodes a 200 response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return apperrors.Internal(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Internal(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderDuration.UpdateDuration(start)
	if err != nil {
		return apperrors.Provider(err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Provider(err, "failed to read response")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}

	if resp.StatusCode != http.StatusOK {
		perr := &ProviderError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.ErrorCode != "" {
			perr.Code = er.ErrorCode
			perr.Message = er.ErrorMessage
		}
		return apperrors.Provider(perr, "request to %s failed", path)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Provider(err, "failed to unmarshal response")
	}
	return nil
}
