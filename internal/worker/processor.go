package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/models"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/queue"
	"github.com/shieldai/shieldai-backend/internal/store"
)

const defaultSweepLimit = 200

// errStillPending makes asynq retry a query whose checkout has no result yet.
var errStillPending = errors.New("transaction still pending at provider")

// StatusQuerier asks the provider for a checkout's state
type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// ResultApplier applies a query result to the stored transaction
type ResultApplier interface {
	ApplyQueryResult(ctx context.Context, resp *mpesa.STKQueryResponse) (models.Status, error)
}

// Enqueuer queues an immediate status query
type Enqueuer interface {
	EnqueueStatusQuery(ctx context.Context, checkoutRequestID string) error
}

// Processor handles background job processing
type Processor struct {
	transactions store.Transactions
	querier      StatusQuerier
	applier      ResultApplier
	enqueuer     Enqueuer
	staleAfter   time.Duration
	sweepLimit   int
	logger       *slog.Logger
}

// NewProcessor creates a new worker processor. Pending transactions older
// than staleAfter are picked up by the sweep.
func NewProcessor(transactions store.Transactions, querier StatusQuerier, applier ResultApplier, enqueuer Enqueuer, staleAfter time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		transactions: transactions,
		querier:      querier,
		applier:      applier,
		enqueuer:     enqueuer,
		staleAfter:   staleAfter,
		sweepLimit:   defaultSweepLimit,
		logger:       logger,
	}
}

// Register adds the processor's handlers to mux
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeStatusQuery, p.ProcessStatusQuery)
	mux.HandleFunc(queue.TypeSweepPending, p.ProcessSweepPending)
}

// ProcessStatusQuery resolves a pending transaction from the provider's
// status query. Returning an error makes asynq retry the task.
func (p *Processor) ProcessStatusQuery(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseStatusQueryPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	checkoutID := payload.CheckoutRequestID
	ctx = logging.AppendCtx(ctx, slog.String("checkout_request_id", checkoutID))

	tx, err := p.transactions.GetByCheckoutID(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.WarnContext(ctx, "status query for unknown transaction")
			return fmt.Errorf("transaction %s not found: %w", checkoutID, asynq.SkipRetry)
		}
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	if tx.Status.IsTerminal() {
		p.logger.DebugContext(ctx, "transaction already resolved", "status", tx.Status)
		return nil
	}

	resp, err := p.querier.QueryStatus(ctx, checkoutID)
	if err != nil {
		var perr *mpesa.ProviderError
		if errors.As(err, &perr) && perr.StillProcessing() {
			p.logger.InfoContext(ctx, "payer has not completed the prompt yet")
			return errStillPending
		}
		if apperrors.KindOf(err).Retryable() {
			return fmt.Errorf("status query failed: %w", err)
		}
		return fmt.Errorf("status query failed: %v: %w", err, asynq.SkipRetry)
	}

	status, err := p.applier.ApplyQueryResult(ctx, resp)
	if err != nil {
		if !apperrors.Is(err, apperrors.KindInternal) {
			return fmt.Errorf("status query result rejected: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if status == models.StatusPending {
		return errStillPending
	}

	p.logger.InfoContext(ctx, "transaction resolved by status query",
		"transaction_id", tx.ID,
		"status", status,
		"result_code", resp.ResultCode,
	)
	return nil
}

// ProcessSweepPending queues an immediate status query for every pending
// transaction that has waited longer than staleAfter.
func (p *Processor) ProcessSweepPending(ctx context.Context, _ *asynq.Task) error {
	res, err := p.sweep(ctx)
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "pending sweep finished",
		"found", res.found,
		"queued", res.queued,
		"already_queued", res.alreadyQueued,
		"failed", res.failed,
	)
	return nil
}

type sweepResult struct {
	found, queued, alreadyQueued, failed int
}

func (p *Processor) sweep(ctx context.Context) (sweepResult, error) {
	stale, err := p.transactions.ListStalePending(ctx, p.staleAfter, p.sweepLimit)
	if err != nil {
		return sweepResult{}, fmt.Errorf("failed to list stale pending transactions: %w", err)
	}

	res := sweepResult{found: len(stale)}
	for _, tx := range stale {
		if tx.CheckoutRequestID == nil {
			continue
		}

		err := p.enqueuer.EnqueueStatusQuery(ctx, *tx.CheckoutRequestID)
		switch {
		case err == nil:
			res.queued++
		case errors.Is(err, queue.ErrAlreadyQueued):
			res.alreadyQueued++
		default:
			res.failed++
			p.logger.ErrorContext(ctx, "failed to queue status query",
				"transaction_id", tx.ID,
				"checkout_request_id", *tx.CheckoutRequestID,
				"error", err,
			)
		}
	}
	return res, nil
}
