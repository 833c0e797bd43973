package idempotency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newGuard(t *testing.T, opts ...Option) (*Guard, *gorm.DB, *fixedClock) {
	t.Helper()
	conn := dbtest.Open(t)
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	guard, err := NewGuard(conn, opts...)
	require.NoError(t, err)
	return guard, conn, clock
}

func testKey(ref, status string) Key {
	return Key{Provider: enums.GatewayStripe, ExternalRef: ExternalRef(ref, status), GlobalEventID: "evt_" + ref + "_" + status}
}

func testRecord(ref string) Record {
	return Record{EventType: "payment_intent.succeeded", GatewayRef: ref, Payload: []byte(`{"id":"evt"}`)}
}

func TestExternalRefNormalizesStatus(t *testing.T) {
	assert.Equal(t, "pi_1:SUCCEEDED", ExternalRef("pi_1", " succeeded "))
	assert.Equal(t, "pi_1:CHARGED_BACK", ExternalRef("pi_1", "charged-back"))
	assert.NotEqual(t, ExternalRef("pi_1", "pending"), ExternalRef("pi_1", "paid"))
}

func TestAdmitFreshThenDuplicate(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()
	key := testKey("pi_1", "succeeded")

	first, err := guard.Admit(ctx, conn, key, testRecord("pi_1"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotNil(t, first.Event)
	assert.Equal(t, enums.WebhookEventProcessing, first.Event.Status)

	orderID := uuid.New()
	newStatus := "PAID"
	require.NoError(t, guard.Complete(ctx, conn, first.Event, Outcome{
		ResultStatus: "processed",
		OrderID:      &orderID,
		NewStatus:    &newStatus,
	}))

	second, err := guard.Admit(ctx, conn, key, testRecord("pi_1"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.NotNil(t, second.Prior)
	assert.Equal(t, first.Event.ID, second.Prior.ID)
	assert.Equal(t, enums.WebhookEventProcessed, second.Prior.Status)
	assert.Equal(t, "processed", second.Prior.ResultStatus)
	require.NotNil(t, second.Prior.OrderID)
	assert.Equal(t, orderID, *second.Prior.OrderID)

	var count int64
	require.NoError(t, conn.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAdmitDuplicateByGlobalEventID(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()

	key := testKey("pi_2", "succeeded")
	_, err := guard.Admit(ctx, conn, key, testRecord("pi_2"))
	require.NoError(t, err)

	sameEvent := Key{Provider: key.Provider, ExternalRef: "pi_2:PAID", GlobalEventID: key.GlobalEventID}
	adm, err := guard.Admit(ctx, conn, sameEvent, testRecord("pi_2"))
	require.NoError(t, err)
	assert.True(t, adm.Duplicate)
}

func TestAdmitDistinctStatusesAreDistinctEvents(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()

	pending, err := guard.Admit(ctx, conn, Key{Provider: enums.GatewaySquare, ExternalRef: ExternalRef("sq_1", "PENDING")}, testRecord("sq_1"))
	require.NoError(t, err)
	paid, err := guard.Admit(ctx, conn, Key{Provider: enums.GatewaySquare, ExternalRef: ExternalRef("sq_1", "COMPLETED")}, testRecord("sq_1"))
	require.NoError(t, err)

	assert.False(t, pending.Duplicate)
	assert.False(t, paid.Duplicate)
}

func TestAdmitRolledBackLeavesNoRow(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()
	key := testKey("pi_3", "succeeded")
	boom := errors.New("allocation failed")

	err := conn.Transaction(func(tx *gorm.DB) error {
		if _, err := guard.Admit(ctx, tx, key, testRecord("pi_3")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	adm, err := guard.Admit(ctx, conn, key, testRecord("pi_3"))
	require.NoError(t, err)
	assert.False(t, adm.Duplicate, "rolled back admission must not block the retry")
}

func TestAdmitRejectsInvalidKey(t *testing.T) {
	guard, conn, _ := newGuard(t)
	_, err := guard.Admit(context.Background(), conn, Key{Provider: "paypal", ExternalRef: "x"}, Record{})
	assert.Error(t, err)
	_, err = guard.Admit(context.Background(), conn, Key{Provider: enums.GatewayStripe}, Record{})
	assert.Error(t, err)
}

func TestRecordIgnoredIsIdempotent(t *testing.T) {
	guard, _, _ := newGuard(t)
	ctx := context.Background()
	key := testKey("pi_unknown", "succeeded")

	first, err := guard.RecordIgnored(ctx, key, testRecord("pi_unknown"), "ignored_unmatched")
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	assert.Equal(t, enums.WebhookEventIgnored, first.Event.Status)
	require.NotNil(t, first.Event.ProcessedAt)

	second, err := guard.RecordIgnored(ctx, key, testRecord("pi_unknown"), "ignored_unmatched")
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	assert.Equal(t, "ignored_unmatched", second.Prior.ResultStatus)
}

func TestRecordFailureBacksOffThenDies(t *testing.T) {
	guard, conn, clock := newGuard(t, WithRetryPolicy(3, time.Minute))
	ctx := context.Background()
	key := testKey("pi_4", "succeeded")

	row, err := guard.RecordFailure(ctx, key, testRecord("pi_4"), errors.New("db timeout"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookEventFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.NextAttemptAt)
	assert.Equal(t, clock.now.Add(time.Minute), row.NextAttemptAt.UTC())

	due, err := guard.ListRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "first retry is not due yet")

	clock.now = clock.now.Add(2 * time.Minute)
	due, err = guard.ListRetryable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	row, err = guard.RecordFailure(ctx, key, testRecord("pi_4"), errors.New("db timeout"))
	require.NoError(t, err)
	assert.Equal(t, 2, row.Attempts)
	assert.Equal(t, clock.now.Add(2*time.Minute), row.NextAttemptAt.UTC())

	row, err = guard.RecordFailure(ctx, key, testRecord("pi_4"), errors.New("db timeout"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookEventDead, row.Status)
	assert.Nil(t, row.NextAttemptAt)

	stored := dbtest.Reload[models.WebhookEvent](t, conn, row.ID)
	assert.Equal(t, enums.WebhookEventDead, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestRedeliveryOfFailedEventIsDuplicate(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()
	key := testKey("pi_5", "succeeded")

	_, err := guard.RecordFailure(ctx, key, testRecord("pi_5"), errors.New("boom"))
	require.NoError(t, err)

	adm, err := guard.Admit(ctx, conn, key, testRecord("pi_5"))
	require.NoError(t, err)
	require.True(t, adm.Duplicate)
	assert.Equal(t, enums.WebhookEventFailed, adm.Prior.Status)
}

func TestLockForRetryAndComplete(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()
	key := testKey("pi_6", "succeeded")

	failed, err := guard.RecordFailure(ctx, key, testRecord("pi_6"), errors.New("boom"))
	require.NoError(t, err)

	err = conn.Transaction(func(tx *gorm.DB) error {
		locked, err := guard.LockForRetry(ctx, tx, failed.ID)
		if err != nil {
			return err
		}
		require.NotNil(t, locked)
		return guard.Complete(ctx, tx, locked, Outcome{ResultStatus: "processed"})
	})
	require.NoError(t, err)

	err = conn.Transaction(func(tx *gorm.DB) error {
		locked, err := guard.LockForRetry(ctx, tx, failed.ID)
		require.NoError(t, err)
		assert.Nil(t, locked, "processed rows are no longer retryable")
		return nil
	})
	require.NoError(t, err)

	stored := dbtest.Reload[models.WebhookEvent](t, conn, failed.ID)
	assert.Equal(t, enums.WebhookEventProcessed, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
}

func TestMarkDead(t *testing.T) {
	guard, conn, _ := newGuard(t)
	ctx := context.Background()
	failed, err := guard.RecordFailure(ctx, testKey("pi_7", "succeeded"), testRecord("pi_7"), errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, guard.MarkDead(ctx, failed.ID, errors.New("unparseable payload")))
	stored := dbtest.Reload[models.WebhookEvent](t, conn, failed.ID)
	assert.Equal(t, enums.WebhookEventDead, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "unparseable payload", *stored.LastError)

	assert.Equal(t, testKey("pi_7", "succeeded"), KeyFor(*stored))
}

func TestRecordFailureKeepsLongErrorsValidUTF8(t *testing.T) {
	guard, _, _ := newGuard(t)
	cause := errors.New(strings.Repeat("a", maxErrorLen-1) + "€ gateway said no")

	row, err := guard.RecordFailure(context.Background(), testKey("pi_utf8", "succeeded"), testRecord("pi_utf8"), cause)
	require.NoError(t, err)
	require.NotNil(t, row.LastError)
	assert.True(t, utf8.ValidString(*row.LastError))
	assert.Equal(t, maxErrorLen-1, len(*row.LastError))
}
