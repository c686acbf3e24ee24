package payment

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/store"
)

const (
	SourceCallback    = "callback"
	SourceStatusQuery = "status_query"
)

// Publisher announces committed status transitions
type Publisher interface {
	Publish(ctx context.Context, event models.StatusChanged) error
}

// CallbackResult is the body returned to the provider
type CallbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Reconciler applies terminal outcomes to pending transactions.
// The first terminal outcome recorded for a checkout wins.
type Reconciler struct {
	transactions store.Transactions
	publisher    Publisher
	loc          *time.Location
	logger       *slog.Logger
	now          func() time.Time
}

// NewReconciler creates a reconciler. publisher may be nil.
func NewReconciler(transactions store.Transactions, publisher Publisher, loc *time.Location, logger *slog.Logger) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		transactions: transactions,
		publisher:    publisher,
		loc:          loc,
		logger:       logger,
		now:          time.Now,
	}
}

// Validate checks the webhook shape without touching storage.
func (r *Reconciler) Validate(raw []byte) error {
	return mpesa.ValidateCallback(raw)
}

// Handle processes one webhook delivery and returns the response body and
// status code for the provider. Repeated deliveries are safe.
func (r *Reconciler) Handle(ctx context.Context, raw []byte) (CallbackResult, int) {
	if err := r.Validate(raw); err != nil {
		metrics.Callback("invalid").Inc()
		r.logger.WarnContext(ctx, "invalid callback payload", "error", err)
		return CallbackResult{Success: false, Message: err.Error()}, http.StatusBadRequest
	}

	payload, err := mpesa.ParseCallback(raw)
	if err != nil {
		metrics.Callback("invalid").Inc()
		r.logger.WarnContext(ctx, "invalid callback payload", "error", err)
		return CallbackResult{Success: false, Message: err.Error()}, http.StatusBadRequest
	}

	cb := payload.Body.StkCallback
	ctx = logging.AppendCtx(ctx, slog.String("checkout_request_id", cb.CheckoutRequestID))

	res, details := callbackResolution(cb, r.loc)

	out, err := r.apply(ctx, cb.CheckoutRequestID, res, raw, SourceCallback, details.Amount)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.Callback("not_found").Inc()
		r.logger.WarnContext(ctx, "callback for unknown transaction")
		return CallbackResult{Success: false, Message: "Transaction not found"}, http.StatusNotFound
	case err != nil:
		metrics.Callback("error").Inc()
		r.logger.ErrorContext(ctx, "callback processing failed", "error", err)
		return CallbackResult{Success: false, Message: "Internal server error"}, http.StatusInternalServerError
	}

	metrics.Callback(out.label()).Inc()
	return CallbackResult{Success: true, Message: "Callback processed successfully"}, http.StatusOK
}

// ApplyQueryResult feeds a status query answer through the same transition
// rules as a callback. It returns the status on record afterwards; a
// response without a result code leaves the transaction pending.
func (r *Reconciler) ApplyQueryResult(ctx context.Context, resp *mpesa.STKQueryResponse) (models.Status, error) {
	if resp == nil || strings.TrimSpace(resp.ResultCode) == "" {
		return models.StatusPending, nil
	}

	code, err := cast.ToIntE(strings.TrimSpace(resp.ResultCode))
	if err != nil {
		return "", apperrors.Validation("invalid result code %q", resp.ResultCode)
	}

	ctx = logging.AppendCtx(ctx, slog.String("checkout_request_id", resp.CheckoutRequestID))

	out, err := r.apply(ctx, resp.CheckoutRequestID, models.Resolution{
		Status:     statusForResultCode(code),
		ResultCode: code,
		ResultDesc: resp.ResultDesc,
	}, nil, SourceStatusQuery, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.NotFound("transaction %s not found", resp.CheckoutRequestID)
		}
		return "", apperrors.Internal(err, "failed to apply status query result")
	}

	metrics.QueryResolution(out.label()).Inc()
	return out.status, nil
}

type outcomeKind int

const (
	outcomeApplied outcomeKind = iota
	outcomeDuplicate
	outcomeConflict
)

type outcome struct {
	kind   outcomeKind
	status models.Status
	// backfilled is set when a duplicate success supplied the receipt
	// missing from a row completed by a status query.
	backfilled bool
}

func (o outcome) label() string {
	switch {
	case o.backfilled:
		return "backfilled"
	case o.kind == outcomeDuplicate:
		return "duplicate"
	case o.kind == outcomeConflict:
		return "anomaly"
	default:
		return string(o.status)
	}
}

// apply locks the row, stores raw when given, and moves a pending row to
// res.Status in one database transaction.
func (r *Reconciler) apply(ctx context.Context, checkoutRequestID string, res models.Resolution, raw []byte, source string, reportedAmount *decimal.Decimal) (outcome, error) {
	var (
		out outcome
		row *models.PaymentTransaction
	)

	err := r.transactions.WithTx(ctx, func(tx store.TransactionsTx) error {
		var err error
		row, err = tx.GetByCheckoutIDForUpdate(ctx, checkoutRequestID)
		if err != nil {
			return err
		}

		if raw != nil {
			if err := tx.SaveCallbackData(ctx, row.ID, raw); err != nil {
				return err
			}
		}

		if row.Status.IsTerminal() {
			out, err = settleRepeat(ctx, tx, row, res)
			return err
		}

		if !models.IsValidTransition(row.Status, res.Status) {
			return apperrors.Internal(nil, "invalid transition from %s to %s", row.Status, res.Status)
		}

		ok, err := tx.Resolve(ctx, row.ID, res)
		if err != nil {
			return err
		}
		if !ok {
			// Lost a race with a concurrent writer despite the row lock.
			current, err := tx.GetByCheckoutIDForUpdate(ctx, checkoutRequestID)
			if err != nil {
				return err
			}
			out, err = settleRepeat(ctx, tx, current, res)
			return err
		}

		out = outcome{kind: outcomeApplied, status: res.Status}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	switch out.kind {
	case outcomeApplied:
		r.logger.InfoContext(ctx, "transaction resolved",
			"transaction_id", row.ID,
			"status", res.Status,
			"result_code", res.ResultCode,
			"source", source,
		)
		if reportedAmount != nil && !reportedAmount.Equal(row.Amount) {
			r.logger.WarnContext(ctx, "callback amount differs from recorded amount",
				"transaction_id", row.ID,
				"recorded", row.Amount.String(),
				"reported", reportedAmount.String(),
			)
		}
		r.publish(ctx, row, res, source)
	case outcomeDuplicate:
		if out.backfilled {
			r.logger.InfoContext(ctx, "receipt recorded for completed transaction",
				"transaction_id", row.ID,
				"receipt", derefString(res.ReceiptNumber),
				"source", source,
			)
			break
		}
		r.logger.InfoContext(ctx, "duplicate terminal outcome ignored",
			"transaction_id", row.ID,
			"status", out.status,
			"source", source,
		)
	case outcomeConflict:
		r.logger.WarnContext(ctx, "conflicting outcome for terminal transaction ignored",
			"transaction_id", row.ID,
			"recorded_status", out.status,
			"reported_status", res.Status,
			"result_code", res.ResultCode,
			"source", source,
		)
	}

	return out, nil
}

func (r *Reconciler) publish(ctx context.Context, row *models.PaymentTransaction, res models.Resolution, source string) {
	if r.publisher == nil {
		return
	}

	event := models.StatusChanged{
		EventID:           uuid.NewString(),
		TransactionID:     row.ID,
		UserID:            row.UserID,
		CheckoutRequestID: derefString(row.CheckoutRequestID),
		Status:            res.Status,
		ResultCode:        res.ResultCode,
		ResultDesc:        res.ResultDesc,
		ReceiptNumber:     res.ReceiptNumber,
		Amount:            row.Amount,
		Source:            source,
		OccurredAt:        r.now().UTC(),
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish status event", "event_id", event.EventID, "error", err)
	}
}

// settleRepeat classifies a delivery for a row that is already terminal.
// A success repeating a completion without a receipt fills the receipt in;
// the status itself never changes.
func settleRepeat(ctx context.Context, tx store.TransactionsTx, row *models.PaymentTransaction, res models.Resolution) (outcome, error) {
	out := repeatOutcome(row.Status, res.Status)
	if out.kind != outcomeDuplicate || row.Status != models.StatusCompleted ||
		row.MpesaReceiptNumber != nil || res.ReceiptNumber == nil {
		return out, nil
	}

	filled, err := tx.BackfillReceipt(ctx, row.ID, *res.ReceiptNumber, res.TransactionDate)
	if err != nil {
		return outcome{}, err
	}
	out.backfilled = filled
	return out, nil
}

func repeatOutcome(recorded, reported models.Status) outcome {
	if recorded == reported {
		return outcome{kind: outcomeDuplicate, status: recorded}
	}
	return outcome{kind: outcomeConflict, status: recorded}
}

func statusForResultCode(code int) models.Status {
	switch code {
	case mpesa.ResultCodeSuccess:
		return models.StatusCompleted
	case mpesa.ResultCodeCancelled:
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}

func callbackResolution(cb mpesa.STKCallback, loc *time.Location) (models.Resolution, mpesa.PaymentDetails) {
	res := models.Resolution{
		Status:     statusForResultCode(cb.ResultCode),
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
	}
	if res.Status != models.StatusCompleted {
		return res, mpesa.PaymentDetails{}
	}

	details := cb.Details(loc)
	res.ReceiptNumber = details.ReceiptNumber
	res.TransactionDate = details.TransactionDate
	return res, details
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
