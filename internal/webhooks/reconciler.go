package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/idempotency"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

// Result statuses returned to the gateway and stored on the event row.
const (
	ResultProcessed        = "processed"
	ResultWaitlisted       = "waitlisted"
	ResultDuplicate        = "duplicate"
	ResultDuplicatePayment = "duplicate_payment"
	ResultIgnoredUnmatched = "ignored_unmatched"
	ResultIgnoredEventType = "ignored_event_type"
	ResultIgnoredStale     = "ignored_stale"
	ResultQueuedForRetry   = "queued_for_retry"
)

const (
	duplicateReasonAlreadyPaid = "order_already_paid"
	duplicateReasonCanceled    = "order_canceled"
	duplicateReasonLate        = "payment_after_failure"

	deliverySource = "payment"

	defaultReprocessBatch = 50
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type waitlistQueue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.WaitlistEntry, error)
}

type orderCanceler interface {
	CancelOrder(ctx context.Context, otx *ledger.OrderTx, reason string) error
}

// Result is the reconciliation answer sent back to the gateway.
type Result struct {
	Status        string     `json:"status"`
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
	OrderID       *uuid.UUID `json:"orderId,omitempty"`
	NewStatus     *string    `json:"newStatus,omitempty"`
}

type ReprocessResult struct {
	Processed int `json:"processed"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
	Skipped   int `json:"skipped"`
}

type ReconcilerParams struct {
	Store     *ledger.Store
	Guard     *idempotency.Guard
	Registry  *Registry
	Allocator *inventory.Allocator
	Waitlist  waitlistQueue
	Canceler  orderCanceler
	Outbox    outboxEmitter
	Logger    *logger.Logger
	Metrics   *metrics.SalesMetrics
	BatchSize int
}

type Reconciler struct {
	store     *ledger.Store
	guard     *idempotency.Guard
	registry  *Registry
	allocator *inventory.Allocator
	waitlist  waitlistQueue
	canceler  orderCanceler
	outbox    outboxEmitter
	logg      *logger.Logger
	metrics   *metrics.SalesMetrics
	batchSize int
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	switch {
	case params.Store == nil:
		return nil, fmt.Errorf("ledger store required")
	case params.Guard == nil:
		return nil, fmt.Errorf("idempotency guard required")
	case params.Registry == nil:
		return nil, fmt.Errorf("adapter registry required")
	case params.Allocator == nil:
		return nil, fmt.Errorf("allocator required")
	case params.Waitlist == nil:
		return nil, fmt.Errorf("waitlist required")
	case params.Canceler == nil:
		return nil, fmt.Errorf("order canceler required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox service required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReprocessBatch
	}
	return &Reconciler{
		store:     params.Store,
		guard:     params.Guard,
		registry:  params.Registry,
		allocator: params.Allocator,
		waitlist:  params.Waitlist,
		canceler:  params.Canceler,
		outbox:    params.Outbox,
		logg:      params.Logger,
		metrics:   params.Metrics,
		batchSize: batch,
	}, nil
}

// Reconcile verifies, records and applies one gateway notification. It only
// returns an error for an unknown provider, a bad signature or a payload
// that cannot be parsed; every other failure is queued for reprocessing and
// reported through Result.
func (r *Reconciler) Reconcile(ctx context.Context, provider string, payload []byte, headers http.Header) (Result, error) {
	adapter, err := r.registry.Resolve(provider)
	if err != nil {
		return Result{}, err
	}
	gateway := adapter.Provider()
	ctx = r.logg.WithProvider(ctx, gateway.String())

	if err := adapter.Verify(payload, headers); err != nil {
		r.metrics.IncWebhook(gateway.String(), "invalid_signature")
		return Result{}, err
	}
	evt, err := adapter.Parse(payload)
	if errors.Is(err, ErrEventIgnored) {
		r.metrics.IncWebhook(gateway.String(), ResultIgnoredEventType)
		return Result{Status: ResultIgnoredEventType}, nil
	}
	if err != nil {
		r.metrics.IncWebhook(gateway.String(), "invalid_payload")
		return Result{}, err
	}

	key := idempotency.Key{
		Provider:      gateway,
		ExternalRef:   idempotency.ExternalRef(evt.GatewayRef, evt.RawStatus),
		GlobalEventID: evt.GlobalEventID,
	}
	rec := idempotency.Record{EventType: evt.EventType, GatewayRef: evt.GatewayRef, Payload: payload}

	result, err := r.reconcile(ctx, gateway, key, rec, evt)
	if err != nil {
		result = r.queue(ctx, key, rec, result, err)
	}
	r.metrics.IncWebhook(gateway.String(), result.Status)
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, gateway enums.Gateway, key idempotency.Key, rec idempotency.Record, evt CanonicalEvent) (Result, error) {
	txn, err := r.store.FindTransactionByRef(ctx, gateway.String(), evt.GatewayRef)
	if err != nil {
		return Result{}, fmt.Errorf("find transaction %s: %w", evt.GatewayRef, err)
	}
	if txn == nil {
		admission, err := r.guard.RecordIgnored(ctx, key, rec, ResultIgnoredUnmatched)
		if err != nil {
			return Result{}, err
		}
		if admission.Duplicate && admission.Prior != nil {
			return duplicateResult(admission.Prior), nil
		}
		r.logg.Warn(r.logg.WithField(ctx, "gateway_ref", evt.GatewayRef), "webhook matched no transaction")
		return Result{Status: ResultIgnoredUnmatched}, nil
	}

	result := Result{TransactionID: &txn.ID, OrderID: &txn.OrderID}
	err = r.store.WithLockedOrder(ctx, ledger.ClassReconcile, txn.OrderID, func(otx *ledger.OrderTx) error {
		admission, err := r.guard.Admit(ctx, otx.DB(), key, rec)
		if err != nil {
			return err
		}
		if admission.Duplicate {
			result = duplicateResult(admission.Prior)
			return nil
		}
		applied, err := r.apply(ctx, otx, txn.ID, evt)
		if err != nil {
			return err
		}
		result = applied
		return r.guard.Complete(ctx, otx.DB(), admission.Event, applied.outcome())
	})
	if err != nil {
		return Result{TransactionID: &txn.ID, OrderID: &txn.OrderID}, err
	}
	return result, nil
}

// queue stores a notification whose processing rolled back so the
// reprocessing job can pick it up.
func (r *Reconciler) queue(ctx context.Context, key idempotency.Key, rec idempotency.Record, partial Result, cause error) Result {
	r.logg.Error(r.logg.WithField(ctx, "external_ref", key.ExternalRef), "webhook processing failed", cause)
	row, err := r.guard.RecordFailure(ctx, key, rec, cause)
	if err != nil {
		r.logg.Error(ctx, "failed to queue webhook for reprocessing", err)
	} else if row.Status == enums.WebhookEventDead {
		r.logg.Warn(r.logg.WithField(ctx, "webhook_event_id", row.ID.String()), "webhook event exhausted its attempts")
	}
	partial.Status = ResultQueuedForRetry
	partial.NewStatus = nil
	return partial
}

// Reprocess retries queued notifications that are due. Each event gets its
// own order-locked transaction; failures push the event further back or
// mark it DEAD.
func (r *Reconciler) Reprocess(ctx context.Context, limit int) (ReprocessResult, error) {
	var result ReprocessResult
	if limit <= 0 {
		limit = r.batchSize
	}
	events, err := r.guard.ListRetryable(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("list retryable webhook events: %w", err)
	}

	var errs error
	for _, event := range events {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		eventCtx := r.logg.WithFields(ctx, map[string]any{
			"webhook_event_id": event.ID.String(),
			"provider":         event.Provider.String(),
			"attempts":         event.Attempts,
		})
		done, err := r.retry(eventCtx, event)
		switch {
		case errors.Is(err, errUnprocessable):
			if markErr := r.guard.MarkDead(eventCtx, event.ID, err); markErr != nil {
				errs = multierr.Append(errs, markErr)
			}
			result.Dead++
			r.logg.Warn(eventCtx, "webhook event cannot be reprocessed: "+err.Error())
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("webhook event %s: %w", event.ID, err))
			row, recErr := r.guard.RecordFailure(eventCtx, idempotency.KeyFor(event), idempotency.Record{
				EventType:  event.EventType,
				GatewayRef: event.GatewayRef,
				Payload:    event.Payload,
			}, err)
			if recErr != nil {
				errs = multierr.Append(errs, recErr)
				continue
			}
			if row.Status == enums.WebhookEventDead {
				result.Dead++
			} else {
				result.Retried++
			}
		case done:
			result.Processed++
		default:
			result.Skipped++
		}
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"processed": result.Processed,
		"retried":   result.Retried,
		"dead":      result.Dead,
		"skipped":   result.Skipped,
	})
	r.logg.Info(logCtx, "webhook reprocess complete")
	return result, errs
}

var errUnprocessable = errors.New("webhook event unprocessable")

func (r *Reconciler) retry(ctx context.Context, event models.WebhookEvent) (bool, error) {
	adapter, err := r.registry.Resolve(event.Provider.String())
	if err != nil {
		return false, fmt.Errorf("%w: %v", errUnprocessable, err)
	}
	evt, err := adapter.Parse(event.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errUnprocessable, err)
	}
	txn, err := r.store.FindTransactionByRef(ctx, event.Provider.String(), evt.GatewayRef)
	if err != nil {
		return false, err
	}
	if txn == nil {
		return false, fmt.Errorf("%w: no transaction for %s", errUnprocessable, evt.GatewayRef)
	}

	done := false
	err = r.store.WithLockedOrder(ctx, ledger.ClassReconcile, txn.OrderID, func(otx *ledger.OrderTx) error {
		done = false
		row, err := r.guard.LockForRetry(ctx, otx.DB(), event.ID)
		if err != nil || row == nil {
			return err
		}
		applied, err := r.apply(ctx, otx, txn.ID, evt)
		if err != nil {
			return err
		}
		if err := r.guard.Complete(ctx, otx.DB(), row, applied.outcome()); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// apply drives the locked order from one canonical event.
func (r *Reconciler) apply(ctx context.Context, otx *ledger.OrderTx, transactionID uuid.UUID, evt CanonicalEvent) (Result, error) {
	txn, err := otx.LockTransaction(ctx, transactionID)
	if err != nil {
		return Result{}, err
	}
	order := otx.Order()
	ctx = r.logg.WithFields(r.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"transaction_id": txn.ID.String(),
		"outcome":        string(evt.Outcome),
	})

	outcome := evt.Outcome
	if outcome == enums.OutcomePaid && !amountMatches(txn, evt) {
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"expected_amount":   txn.Amount.String(),
			"expected_currency": txn.Currency,
			"reported_amount":   amountString(evt),
			"reported_currency": evt.Currency,
		}), "payment amount mismatch, treating as failed")
		outcome = enums.OutcomeFailed
	}

	var status string
	switch outcome {
	case enums.OutcomePaid:
		status, err = r.applyPaid(ctx, otx, txn, evt)
	case enums.OutcomePending:
		status, err = r.applyPending(ctx, otx, txn, evt)
	case enums.OutcomeRefunded, enums.OutcomeReversed:
		status, err = r.applyReturn(ctx, otx, txn, evt, outcome)
	default:
		status, err = r.applyFailed(ctx, otx, txn, evt)
	}
	if err != nil {
		return Result{}, err
	}

	newStatus := string(txn.Status)
	r.logg.Info(r.logg.WithField(ctx, "result", status), "webhook applied")
	return Result{
		Status:        status,
		TransactionID: &txn.ID,
		OrderID:       &order.ID,
		NewStatus:     &newStatus,
	}, nil
}

func (r *Reconciler) applyPaid(ctx context.Context, otx *ledger.OrderTx, txn *models.Transaction, evt CanonicalEvent) (string, error) {
	order := otx.Order()
	changed, err := otx.SetTransactionStatus(ctx, txn, enums.TransactionStatusPaid, transactionExtra(evt))
	if err != nil {
		return "", err
	}
	if !changed {
		if txn.Status == enums.TransactionStatusFailed {
			// Money arrived for an attempt already written off.
			if err := r.emitDuplicate(ctx, otx, txn, duplicateReasonLate); err != nil {
				return "", err
			}
			return ResultDuplicatePayment, nil
		}
		return ResultIgnoredStale, nil
	}

	if order.Status != enums.OrderStatusPending {
		reason := duplicateReasonAlreadyPaid
		if order.Status == enums.OrderStatusCanceled {
			reason = duplicateReasonCanceled
		}
		if err := r.emitDuplicate(ctx, otx, txn, reason); err != nil {
			return "", err
		}
		return ResultDuplicatePayment, nil
	}

	if err := otx.TransitionOrder(ctx, enums.OrderStatusInProcess, nil); err != nil {
		return "", err
	}
	license, err := r.allocator.Allocate(ctx, otx, inventory.ModeSell)
	if errors.Is(err, inventory.ErrOutOfStock) {
		if _, err := r.waitlist.Enqueue(ctx, otx.DB(), order); err != nil {
			return "", err
		}
		return ResultWaitlisted, nil
	}
	if err != nil {
		return "", err
	}

	if err := r.outbox.Emit(ctx, otx.DB(), outbox.DomainEvent{
		EventType:     enums.EventLicenseDeliveryRequested,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.LicenseDeliveryRequested{
			OrderID:       order.ID,
			LicenseID:     license.ID,
			ProductRef:    order.ProductRef,
			CustomerRef:   order.CustomerRef,
			CustomerEmail: order.CustomerEmail,
			Source:        deliverySource,
		},
		OccurredAt: otx.Now(),
	}); err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func (r *Reconciler) applyPending(ctx context.Context, otx *ledger.OrderTx, txn *models.Transaction, evt CanonicalEvent) (string, error) {
	changed, err := otx.SetTransactionStatus(ctx, txn, enums.TransactionStatusPending, transactionExtra(evt))
	if err != nil {
		return "", err
	}
	if !changed {
		return ResultIgnoredStale, nil
	}
	return ResultProcessed, nil
}

func (r *Reconciler) applyFailed(ctx context.Context, otx *ledger.OrderTx, txn *models.Transaction, evt CanonicalEvent) (string, error) {
	changed, err := otx.SetTransactionStatus(ctx, txn, enums.TransactionStatusFailed, transactionExtra(evt))
	if err != nil {
		return "", err
	}
	if !changed {
		return ResultIgnoredStale, nil
	}
	if otx.Order().Status.IsTerminal() {
		return ResultProcessed, nil
	}
	alive, err := r.hasLiveTransaction(ctx, otx, txn.ID)
	if err != nil {
		return "", err
	}
	if alive {
		return ResultProcessed, nil
	}
	if err := r.canceler.CancelOrder(ctx, otx, compensation.ReasonPaymentFailed); err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func (r *Reconciler) applyReturn(ctx context.Context, otx *ledger.OrderTx, txn *models.Transaction, evt CanonicalEvent, outcome enums.PaymentOutcome) (string, error) {
	changed, err := otx.SetTransactionStatus(ctx, txn, outcome.TransactionStatus(), transactionExtra(evt))
	if err != nil {
		return "", err
	}
	if !changed {
		return ResultIgnoredStale, nil
	}

	// Refunding a duplicate capture leaves the paid order and its license
	// untouched.
	captured, err := r.hasCapturedTransaction(ctx, otx, txn.ID)
	if err != nil {
		return "", err
	}
	if captured {
		return ResultProcessed, nil
	}

	order := otx.Order()
	returned, err := r.allocator.ReturnHeld(ctx, otx)
	if err != nil {
		return "", err
	}
	if order.Status == enums.OrderStatusInProcess {
		if err := r.canceler.CancelOrder(ctx, otx, compensation.ReasonRefunded); err != nil {
			return "", err
		}
	}
	if err := r.outbox.Emit(ctx, otx.DB(), outbox.DomainEvent{
		EventType:     enums.EventLicenseReturned,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.LicenseReturned{
			OrderID:       order.ID,
			TransactionID: txn.ID,
			LicenseIDs:    returned,
			Outcome:       string(outcome),
		},
		OccurredAt: otx.Now(),
	}); err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func (r *Reconciler) emitDuplicate(ctx context.Context, otx *ledger.OrderTx, txn *models.Transaction, reason string) error {
	r.logg.Warn(r.logg.WithField(ctx, "reason", reason), "payment needs manual refund")
	return r.outbox.Emit(ctx, otx.DB(), outbox.DomainEvent{
		EventType:     enums.EventPaymentDuplicate,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   txn.ID,
		Data: payloads.PaymentDuplicate{
			OrderID:       otx.Order().ID,
			TransactionID: txn.ID,
			Gateway:       txn.Gateway.String(),
			GatewayRef:    txn.GatewayRef,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			Reason:        reason,
			DetectedAt:    otx.Now(),
		},
		OccurredAt: otx.Now(),
	})
}

// hasLiveTransaction reports whether another transaction on the order can
// still pay for it or already has.
func (r *Reconciler) hasLiveTransaction(ctx context.Context, otx *ledger.OrderTx, except uuid.UUID) (bool, error) {
	txns, err := otx.LockTransactions(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range txns {
		if other.ID == except {
			continue
		}
		if other.Status.IsOpen() || other.Status.IsCaptured() {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) hasCapturedTransaction(ctx context.Context, otx *ledger.OrderTx, except uuid.UUID) (bool, error) {
	txns, err := otx.LockTransactions(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range txns {
		if other.ID != except && other.Status.IsCaptured() {
			return true, nil
		}
	}
	return false, nil
}

func amountMatches(txn *models.Transaction, evt CanonicalEvent) bool {
	if evt.Currency != "" && evt.Currency != txn.Currency {
		return false
	}
	if evt.Amount != nil && !evt.Amount.Equal(txn.Amount) {
		return false
	}
	return true
}

func amountString(evt CanonicalEvent) string {
	if evt.Amount == nil {
		return ""
	}
	return evt.Amount.String()
}

func transactionExtra(evt CanonicalEvent) map[string]any {
	extra := map[string]any{"last_event_at": evt.OccurredAt}
	if evt.PaymentMethod != "" {
		extra["payment_method"] = evt.PaymentMethod
	}
	return extra
}

func duplicateResult(prior *models.WebhookEvent) Result {
	result := Result{Status: ResultDuplicate}
	if prior == nil {
		return result
	}
	result.TransactionID = prior.TransactionID
	result.OrderID = prior.OrderID
	result.NewStatus = prior.NewStatus
	return result
}

func (r Result) outcome() idempotency.Outcome {
	return idempotency.Outcome{
		ResultStatus:  r.Status,
		TransactionID: r.TransactionID,
		OrderID:       r.OrderID,
		NewStatus:     r.NewStatus,
	}
}
