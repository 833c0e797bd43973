package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

const (
	JobOrderTimeout     = "order-timeout"
	JobWaitlistDrain    = "waitlist-drain"
	JobWaitlistDelivery = "waitlist-delivery"
	JobWebhookReprocess = "webhook-reprocess"
	JobOutboxRetention  = "outbox-retention"

	defaultOrderTimeout    = 30 * time.Minute
	defaultOutboxRetention = 30 * 24 * time.Hour
)

type orderSweeper interface {
	Sweep(ctx context.Context, timeout time.Duration) (compensation.SweepResult, error)
}

type waitlistDrainer interface {
	DrainAll(ctx context.Context) (waitlist.DrainResult, error)
}

type reservedProcessor interface {
	ProcessReserved(ctx context.Context) (waitlist.ProcessResult, error)
}

type webhookReprocessor interface {
	Reprocess(ctx context.Context, limit int) (webhooks.ReprocessResult, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// jobFunc adapts a closure into a Job.
type jobFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.run(ctx) }

// NewOrderTimeoutJob cancels PENDING orders older than timeout.
func NewOrderTimeoutJob(sweeper orderSweeper, timeout time.Duration) (Job, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	return jobFunc{name: JobOrderTimeout, run: func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx, timeout)
		return err
	}}, nil
}

// NewWaitlistDrainJob reserves restocked licenses for the oldest waiting
// orders of every product.
func NewWaitlistDrainJob(drainer waitlistDrainer) (Job, error) {
	if drainer == nil {
		return nil, fmt.Errorf("waitlist drainer required")
	}
	return jobFunc{name: JobWaitlistDrain, run: func(ctx context.Context) error {
		_, err := drainer.DrainAll(ctx)
		return err
	}}, nil
}

// NewWaitlistDeliveryJob delivers licenses reserved for waitlisted orders.
func NewWaitlistDeliveryJob(processor reservedProcessor) (Job, error) {
	if processor == nil {
		return nil, fmt.Errorf("reserved processor required")
	}
	return jobFunc{name: JobWaitlistDelivery, run: func(ctx context.Context) error {
		_, err := processor.ProcessReserved(ctx)
		return err
	}}, nil
}

// NewWebhookReprocessJob retries notifications that failed while being
// applied.
func NewWebhookReprocessJob(reprocessor webhookReprocessor, batchSize int) (Job, error) {
	if reprocessor == nil {
		return nil, fmt.Errorf("reprocessor required")
	}
	return jobFunc{name: JobWebhookReprocess, run: func(ctx context.Context) error {
		_, err := reprocessor.Reprocess(ctx, batchSize)
		return err
	}}, nil
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	Retention  time.Duration
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: retention,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxRetentionRepo
	retention time.Duration
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return JobOutboxRetention }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeletePublishedBefore(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		deleted = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}
