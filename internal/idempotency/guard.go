// Package idempotency records every gateway notification in webhook_events
// and tells the reconciler whether it has seen a notification before. The
// table is also the reprocessing queue for notifications that failed.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keystock-backend/pkg/db"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

const (
	defaultMaxAttempts = 8
	defaultBackoff     = 30 * time.Second
	maxBackoff         = time.Hour
	maxErrorLen        = 1024
)

// Key identifies one notification. ExternalRef is required; GlobalEventID is
// the provider's own event id when it sends one.
type Key struct {
	Provider      enums.Gateway
	ExternalRef   string
	GlobalEventID string
}

// ExternalRef derives the per-notification reference: one payment reporting
// two different statuses yields two events, an exact repeat yields one.
func ExternalRef(gatewayRef, rawStatus string) string {
	return gatewayRef + ":" + enums.NormalizeProviderStatus(rawStatus)
}

// Record is the part of the notification stored for audit and reprocessing.
type Record struct {
	EventType  string
	GatewayRef string
	Payload    []byte
}

// Outcome is what processing decided; it is stored so duplicates can be
// answered with the original result.
type Outcome struct {
	ResultStatus  string
	TransactionID *uuid.UUID
	OrderID       *uuid.UUID
	NewStatus     *string
}

// Admission is the result of Admit. Event is the new row for fresh
// notifications; Prior is the existing row for duplicates.
type Admission struct {
	Duplicate bool
	Event     *models.WebhookEvent
	Prior     *models.WebhookEvent
}

type Guard struct {
	db          *gorm.DB
	now         func() time.Time
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRetryPolicy sets how many failed attempts a notification gets before it
// is marked DEAD and the base delay between attempts.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(g *Guard) {
		if maxAttempts > 0 {
			g.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			g.backoff = backoff
		}
	}
}

func NewGuard(conn *gorm.DB, opts ...Option) (*Guard, error) {
	if conn == nil {
		return nil, errors.New("db required")
	}
	g := &Guard{
		db:          conn,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit inserts a PROCESSING row for key inside tx. When either unique
// constraint already holds a row the insert is skipped and the existing row
// is returned as a duplicate. The row disappears if tx rolls back.
func (g *Guard) Admit(ctx context.Context, tx *gorm.DB, key Key, rec Record) (Admission, error) {
	if err := key.validate(); err != nil {
		return Admission{}, err
	}
	row := g.newRow(key, rec, enums.WebhookEventProcessing)
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return Admission{}, fmt.Errorf("insert webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return Admission{Event: row}, nil
	}
	prior, err := g.find(ctx, tx, key)
	if err != nil {
		return Admission{}, err
	}
	if prior == nil {
		return Admission{}, fmt.Errorf("webhook event %s/%s conflicted but was not found", key.Provider, key.ExternalRef)
	}
	return Admission{Duplicate: true, Prior: prior}, nil
}

// Complete marks an admitted or retried event PROCESSED with its outcome.
func (g *Guard) Complete(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent, outcome Outcome) error {
	now := g.now().UTC()
	updates := map[string]any{
		"status":          enums.WebhookEventProcessed,
		"result_status":   outcome.ResultStatus,
		"transaction_id":  outcome.TransactionID,
		"order_id":        outcome.OrderID,
		"new_status":      outcome.NewStatus,
		"processed_at":    now,
		"next_attempt_at": nil,
	}
	if err := tx.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("complete webhook event %s: %w", event.ID, err)
	}
	event.Status = enums.WebhookEventProcessed
	event.ResultStatus = outcome.ResultStatus
	event.TransactionID = outcome.TransactionID
	event.OrderID = outcome.OrderID
	event.NewStatus = outcome.NewStatus
	event.ProcessedAt = &now
	event.NextAttemptAt = nil
	return nil
}

// RecordIgnored stores a notification that matched nothing. It runs outside
// any order lock since no order is involved.
func (g *Guard) RecordIgnored(ctx context.Context, key Key, rec Record, resultStatus string) (Admission, error) {
	if err := key.validate(); err != nil {
		return Admission{}, err
	}
	row := g.newRow(key, rec, enums.WebhookEventIgnored)
	now := g.now().UTC()
	row.ResultStatus = resultStatus
	row.ProcessedAt = &now
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return Admission{}, fmt.Errorf("insert ignored webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return Admission{Event: row}, nil
	}
	prior, err := g.find(ctx, g.db, key)
	if err != nil {
		return Admission{}, err
	}
	return Admission{Duplicate: true, Prior: prior}, nil
}

// RecordFailure persists a notification whose processing failed and rolled
// back, scheduling its next attempt. A row that already exists has its
// attempt count bumped and becomes DEAD once the budget is spent.
func (g *Guard) RecordFailure(ctx context.Context, key Key, rec Record, cause error) (*models.WebhookEvent, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var out *models.WebhookEvent
	err := db.RunInTx(ctx, g.db, nil, func(tx *gorm.DB) error {
		existing, err := g.find(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			row := g.newRow(key, rec, enums.WebhookEventFailed)
			g.applyFailure(row, 1, cause)
			res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if res.Error != nil {
				return fmt.Errorf("insert failed webhook event: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				out = row
				return nil
			}
			if existing, err = g.find(ctx, tx, key); err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("webhook event %s/%s conflicted but was not found", key.Provider, key.ExternalRef)
			}
		}
		if existing.Status == enums.WebhookEventProcessed || existing.Status == enums.WebhookEventIgnored {
			out = existing
			return nil
		}
		g.applyFailure(existing, existing.Attempts+1, cause)
		if err := tx.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"status":          existing.Status,
				"attempts":        existing.Attempts,
				"last_error":      existing.LastError,
				"next_attempt_at": existing.NextAttemptAt,
			}).Error; err != nil {
			return fmt.Errorf("update failed webhook event %s: %w", existing.ID, err)
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRetryable returns FAILED events whose next attempt is due, oldest
// first. It does not lock; LockForRetry re-checks each row.
func (g *Guard) ListRetryable(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.WebhookEvent
	err := g.db.WithContext(ctx).
		Where("status = ?", enums.WebhookEventFailed).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", g.now().UTC()).
		Order("next_attempt_at ASC").
		Order("received_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// LockForRetry locks a queued event inside tx. It returns nil when another
// worker already moved the row out of FAILED.
func (g *Guard) LockForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.WebhookEvent, error) {
	var row models.WebhookEvent
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND status = ?", id, enums.WebhookEventFailed).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock webhook event %s: %w", id, err)
	}
	return &row, nil
}

// MarkDead takes an event out of the retry queue for good.
func (g *Guard) MarkDead(ctx context.Context, id uuid.UUID, cause error) error {
	msg := truncate(cause.Error())
	return g.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          enums.WebhookEventDead,
			"last_error":      msg,
			"next_attempt_at": nil,
		}).Error
}

// KeyFor rebuilds the key of a stored event.
func KeyFor(event models.WebhookEvent) Key {
	key := Key{Provider: event.Provider, ExternalRef: event.ExternalRef}
	if event.GlobalEventID != nil {
		key.GlobalEventID = *event.GlobalEventID
	}
	return key
}

func (g *Guard) applyFailure(row *models.WebhookEvent, attempts int, cause error) {
	msg := truncate(cause.Error())
	row.Attempts = attempts
	row.LastError = &msg
	if attempts >= g.maxAttempts {
		row.Status = enums.WebhookEventDead
		row.NextAttemptAt = nil
		return
	}
	next := g.now().UTC().Add(g.delay(attempts))
	row.Status = enums.WebhookEventFailed
	row.NextAttemptAt = &next
}

func (g *Guard) delay(attempts int) time.Duration {
	d := g.backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (g *Guard) newRow(key Key, rec Record, status enums.WebhookEventStatus) *models.WebhookEvent {
	row := &models.WebhookEvent{
		Provider:    key.Provider,
		ExternalRef: key.ExternalRef,
		EventType:   rec.EventType,
		GatewayRef:  rec.GatewayRef,
		Payload:     datatypes.JSON(rec.Payload),
		Status:      status,
		ReceivedAt:  g.now().UTC(),
	}
	if len(row.Payload) == 0 {
		row.Payload = datatypes.JSON("{}")
	}
	if key.GlobalEventID != "" {
		id := key.GlobalEventID
		row.GlobalEventID = &id
	}
	return row
}

func (g *Guard) find(ctx context.Context, tx *gorm.DB, key Key) (*models.WebhookEvent, error) {
	q := tx.WithContext(ctx).Where("provider = ? AND external_ref = ?", key.Provider, key.ExternalRef)
	if key.GlobalEventID != "" {
		q = tx.WithContext(ctx).Where(
			"(provider = ? AND external_ref = ?) OR (provider = ? AND global_event_id = ?)",
			key.Provider, key.ExternalRef, key.Provider, key.GlobalEventID,
		)
	}
	var row models.WebhookEvent
	err := q.Order("received_at ASC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook event: %w", err)
	}
	return &row, nil
}

func (k Key) validate() error {
	if !k.Provider.IsValid() {
		return fmt.Errorf("invalid provider %q", k.Provider)
	}
	if k.ExternalRef == "" {
		return errors.New("external ref is required")
	}
	return nil
}

func truncate(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
