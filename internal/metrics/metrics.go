package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	TokenRefreshOK    = metrics.NewCounter(`mpesa_token_refresh_total{result="ok"}`)
	TokenRefreshError = metrics.NewCounter(`mpesa_token_refresh_total{result="error"}`)

	STKPushAccepted      = metrics.NewCounter(`mpesa_stk_push_total{result="accepted"}`)
	STKPushRejected      = metrics.NewCounter(`mpesa_stk_push_total{result="rejected"}`)
	STKPushPersistFailed = metrics.NewCounter(`mpesa_stk_push_total{result="persist_failed"}`)

	StatusQueryOK    = metrics.NewCounter(`mpesa_status_query_total{result="ok"}`)
	StatusQueryError = metrics.NewCounter(`mpesa_status_query_total{result="error"}`)

	ProviderDuration = metrics.NewHistogram(`mpesa_provider_request_duration_seconds`)

	BodyRejected = metrics.NewCounter(`http_request_body_rejected_total`)

	FraudModelDuration = metrics.NewHistogram(`fraud_model_request_duration_seconds`)
)

// Callback returns the counter for a callback outcome such as "completed" or "anomaly".
func Callback(outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`mpesa_callbacks_total{outcome="` + outcome + `"}`)
}

// QueryResolution returns the counter for a status query result applied by the worker.
func QueryResolution(outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`mpesa_status_query_resolutions_total{outcome="` + outcome + `"}`)
}

// FraudModelRequest returns the counter for one model call, "ok" or "error".
func FraudModelRequest(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`fraud_model_requests_total{result="` + result + `"}`)
}

// FraudCheck returns the counter for a scored transaction: "fraud", "clear" or "fallback".
func FraudCheck(verdict string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`fraud_checks_total{verdict="` + verdict + `"}`)
}

// Setup starts pushing metrics when a push URL is configured.
func Setup(pushURL string, interval time.Duration, labels string, logger *slog.Logger) {
	if pushURL == "" {
		return
	}

	if err := metrics.InitPush(pushURL, interval, labels, true); err != nil {
		logger.Error("metrics push init failed", "error", err)
	}
}

// Handler exposes all metrics in Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
