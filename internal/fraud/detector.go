// Package fraud scores wallet transactions with a hosted language model
// reached through OpenRouter and records the verdicts in the ledger.
package fraud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/models"
)

const (
	DefaultBaseURL       = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel         = "anthropic/claude-3-sonnet"
	DefaultFallbackModel = "google/gemini-flash-1.5"
	DefaultReferer       = "https://shieldai.ke"

	requestTitle       = "Shield AI Fraud Detection"
	actionThreshold    = 0.7
	maxErrorBodyLength = 200
)

var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

// Config holds the OpenRouter settings
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Referer       string
	Timeout       time.Duration
}

// Verdict is the scored outcome of one transaction
type Verdict struct {
	IsFraud        bool    `json:"is_fraud"`
	Confidence     float64 `json:"confidence"`
	ActionRequired bool    `json:"action_required"`
	Reason         string  `json:"reason"`

	// Model answered the request; empty when the fallback verdict was used.
	Model string `json:"-"`
}

// Fallback reports whether no model produced the verdict.
func (v Verdict) Fallback() bool {
	return v.Model == ""
}

// Candidate is the transaction being scored
type Candidate struct {
	Amount     decimal.Decimal `json:"amount"`
	Recipient  string          `json:"recipient"`
	OccurredAt time.Time       `json:"timestamp"`
	Location   *string         `json:"location,omitempty"`
}

// Detector asks the primary model for a verdict and retries once with the
// fallback model. It never fails: when both models are unusable it returns
// a conservative not-fraud verdict whose reason says why.
type Detector struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDetector fills in defaults for unset fields. An empty API key is
// allowed and makes every call return the fallback verdict.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = DefaultFallbackModel
	}
	if cfg.Referer == "" {
		cfg.Referer = DefaultReferer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Detector{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

// Detect scores tx against the user's recent history.
func (d *Detector) Detect(ctx context.Context, history []*models.LedgerEntry, tx Candidate) Verdict {
	if d.cfg.APIKey == "" {
		return fallbackVerdict("Missing OPENROUTER_API_KEY")
	}

	prompt, err := buildPrompt(history, tx)
	if err != nil {
		return fallbackVerdict(err.Error())
	}

	var lastErr error
	for _, model := range d.models() {
		v, err := d.ask(ctx, model, prompt)
		if err == nil {
			metrics.FraudModelRequest("ok").Inc()
			return v
		}
		metrics.FraudModelRequest("error").Inc()
		d.logger.WarnContext(ctx, "fraud model request failed", "model", model, "error", err)
		lastErr = err
	}
	return fallbackVerdict(lastErr.Error())
}

func (d *Detector) models() []string {
	if d.cfg.FallbackModel == d.cfg.Model {
		return []string{d.cfg.Model}
	}
	return []string{d.cfg.Model, d.cfg.FallbackModel}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (d *Detector) ask(ctx context.Context, model, prompt string) (Verdict, error) {
	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a precise JSON-only responder."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	req.Header.Set("HTTP-Referer", d.cfg.Referer)
	req.Header.Set("X-Title", requestTitle)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	metrics.FraudModelDuration.UpdateDuration(start)
	if err != nil {
		return Verdict{}, fmt.Errorf("openrouter request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Verdict{}, fmt.Errorf("openrouter error %d: %s", resp.StatusCode, truncate(string(body), maxErrorBodyLength))
	}

	v, err := parseVerdict(body)
	if err != nil {
		return Verdict{}, err
	}
	v.Model = model
	return v, nil
}

// parseVerdict reads the first choice's content, or the whole body when no
// content is present, and extracts the outermost JSON object from it.
func parseVerdict(body []byte) (Verdict, error) {
	content := string(body)
	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err == nil && len(chat.Choices) > 0 && chat.Choices[0].Message.Content != "" {
		content = chat.Choices[0].Message.Content
	}

	match := jsonObject.FindString(content)
	if match == "" {
		return Verdict{}, fmt.Errorf("no JSON object in model reply")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(match), &fields); err != nil {
		return Verdict{}, fmt.Errorf("invalid JSON in model reply: %w", err)
	}
	rawFraud, ok := fields["is_fraud"]
	if !ok {
		return Verdict{}, fmt.Errorf("model reply has no is_fraud field")
	}

	var v Verdict
	v.IsFraud = cast.ToBool(rawFraud)
	v.Confidence = clamp(cast.ToFloat64(fields["confidence"]))

	if raw, ok := fields["action_required"]; ok {
		v.ActionRequired = cast.ToBool(raw)
	} else {
		v.ActionRequired = v.IsFraud && v.Confidence >= actionThreshold
	}

	v.Reason = strings.TrimSpace(cast.ToString(fields["reason"]))
	if v.Reason == "" {
		v.Reason = "Low risk transaction"
		if v.IsFraud {
			v.Reason = "High risk transaction"
		}
	}
	return v, nil
}

func buildPrompt(history []*models.LedgerEntry, tx Candidate) (string, error) {
	if history == nil {
		history = []*models.LedgerEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}

	return "Assess whether the current M-Pesa transaction is fraudulent given the user's history. " +
		"Weigh amount, time of day, recipient novelty, location and transaction velocity against the history. " +
		"Amounts are in Kenyan shillings. " +
		"Reply with only a JSON object with keys is_fraud (bool), confidence (0.0-1.0), " +
		"action_required (bool) and reason (string).\n\n" +
		"USER_HISTORY=" + string(historyJSON) + "\n" +
		"CURRENT_TRANSACTION=" + string(txJSON), nil
}

func fallbackVerdict(msg string) Verdict {
	return Verdict{Reason: "Fallback: " + msg}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
