package outbox

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
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

func newService(t *testing.T) (*Service, *Repository, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	return NewService(repo, logger.Nop()), repo, conn
}

func TestEmitWritesEnvelope(t *testing.T) {
	svc, _, conn := newService(t)
	ctx := context.Background()
	orderID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventOrderCanceled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &Actor{Kind: "job", ID: "order-timeout"},
			Data:          payloads.OrderCanceled{OrderID: orderID, Reason: "timeout"},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, orderID, rows[0].AggregateID)
	assert.Nil(t, rows[0].PublishedAt)

	env, err := DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
	assert.NotEmpty(t, env.EventID)
	require.NotNil(t, env.Actor)
	assert.Equal(t, "order-timeout", env.Actor.ID)
	assert.JSONEq(t, `{"orderId":"`+orderID.String()+`","reason":"timeout","releasedLicenses":0,"canceledAt":"0001-01-01T00:00:00Z"}`, string(env.Data))
}

func TestEmitRolledBackWithTransaction(t *testing.T) {
	svc, _, conn := newService(t)
	ctx := context.Background()
	boom := errors.New("state change failed")

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventOrderCompleted,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          payloads.OrderCompleted{},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitValidation(t *testing.T) {
	svc, _, conn := newService(t)
	ctx := context.Background()

	assert.Error(t, svc.Emit(ctx, nil, DomainEvent{EventType: enums.EventOrderCompleted}))
	assert.Error(t, svc.Emit(ctx, conn, DomainEvent{EventType: "made_up", AggregateType: enums.AggregateOrder}))
}

func TestEmitIfNotExistsSkipsDuplicates(t *testing.T) {
	svc, _, conn := newService(t)
	ctx := context.Background()
	orderID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventOrderWaitlisted,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Data:          payloads.OrderWaitlisted{OrderID: orderID},
	}

	require.NoError(t, svc.EmitIfNotExists(ctx, conn, event))
	require.NoError(t, svc.EmitIfNotExists(ctx, conn, event))

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	svc, repo, conn := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Emit(ctx, conn, DomainEvent{
			EventType:     enums.EventOrderCompleted,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          payloads.OrderCompleted{},
		}))
	}

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 5, now)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID, now))
	require.NoError(t, repo.MarkFailedTx(conn, rows[1].ID, errors.New("unavailable"), now.Add(time.Minute)))
	require.NoError(t, repo.MarkTerminalTx(conn, rows[2].ID, errors.New("bad payload"), 1, now))

	due, err := repo.FetchUnpublishedForPublish(conn, 10, 5, now)
	require.NoError(t, err)
	assert.Empty(t, due, "failed row is backing off, others are done")

	later, err := repo.FetchUnpublishedForPublish(conn, 10, 5, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, rows[1].ID, later[0].ID)
	assert.Equal(t, 1, later[0].AttemptCount)
	require.NotNil(t, later[0].LastError)
	assert.Equal(t, "unavailable", *later[0].LastError)

	exhausted, err := repo.FetchUnpublishedForPublish(conn, 10, 1, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, exhausted)

	deleted, err := repo.DeletePublishedBefore(ctx, conn, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestDLQRepositoryTruncatesMessage(t *testing.T) {
	conn := dbtest.Open(t)
	dlq := NewDLQRepository(conn)
	ctx := context.Background()
	eventID := uuid.New()
	long := make([]byte, 2*maxLastErrorLen)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)

	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventOrderCanceled,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
		AttemptCount:  1,
	}))

	got, err := dlq.FindByEventID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ErrorMessage)
	assert.Len(t, *got.ErrorMessage, maxLastErrorLen)

	missing, err := dlq.FindByEventID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	listed, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestTruncateStopsOnRuneBoundary(t *testing.T) {
	msg := strings.Repeat("x", maxLastErrorLen-2) + "日本"
	got := truncate(msg)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxLastErrorLen-2), got)
	assert.Equal(t, "short", truncate("short"))
}
