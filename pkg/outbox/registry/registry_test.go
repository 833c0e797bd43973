package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

func testRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{DeliveryTopic: "delivery", DomainTopic: "domain"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func rowFor(t *testing.T, eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, data any) models.OutboxEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	env, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: aggregate,
		AggregateID:   uuid.New(),
		Payload:       env,
	}
}

func TestNewEventRegistryRequiresTopics(t *testing.T) {
	if _, err := NewEventRegistry(config.PubSubConfig{DomainTopic: "domain"}); err == nil {
		t.Fatalf("expected missing delivery topic error")
	}
	if _, err := NewEventRegistry(config.PubSubConfig{DeliveryTopic: "delivery"}); err == nil {
		t.Fatalf("expected missing domain topic error")
	}
}

func TestResolveRoutesDeliveryToDeliveryTopic(t *testing.T) {
	reg := testRegistry(t)
	licenseID := uuid.New()
	row := rowFor(t, enums.EventLicenseDeliveryRequested, enums.AggregateOrder, payloads.LicenseDeliveryRequested{
		LicenseID:     licenseID,
		ProductRef:    "prod-a",
		CustomerEmail: "buyer@example.com",
	})

	resolved, err := reg.Resolve(row)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Descriptor.Topic != "delivery" {
		t.Fatalf("expected delivery topic, got %s", resolved.Descriptor.Topic)
	}
	payload, ok := resolved.Payload.(*payloads.LicenseDeliveryRequested)
	if !ok {
		t.Fatalf("unexpected payload type %T", resolved.Payload)
	}
	if payload.LicenseID != licenseID {
		t.Fatalf("license id not decoded")
	}
}

func TestResolveRoutesDomainEvents(t *testing.T) {
	reg := testRegistry(t)
	row := rowFor(t, enums.EventOrderCanceled, enums.AggregateOrder, payloads.OrderCanceled{Reason: "timeout"})

	resolved, err := reg.Resolve(row)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Descriptor.Topic != "domain" {
		t.Fatalf("expected domain topic, got %s", resolved.Descriptor.Topic)
	}
}

func TestResolveRejectsBadRows(t *testing.T) {
	reg := testRegistry(t)

	cases := map[string]models.OutboxEvent{
		"aggregate mismatch": rowFor(t, enums.EventOrderCanceled, enums.AggregateLicense, payloads.OrderCanceled{}),
		"unknown type":       rowFor(t, enums.OutboxEventType("nope"), enums.AggregateOrder, map[string]string{}),
		"null data":          rowFor(t, enums.EventOrderCompleted, enums.AggregateOrder, nil),
	}
	missingID := rowFor(t, enums.EventOrderCompleted, enums.AggregateOrder, payloads.OrderCompleted{})
	missingID.AggregateID = uuid.Nil
	cases["missing aggregate"] = missingID
	broken := rowFor(t, enums.EventOrderCompleted, enums.AggregateOrder, payloads.OrderCompleted{})
	broken.Payload = json.RawMessage(`{not json`)
	cases["broken envelope"] = broken

	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(row)
			var nonRetryable NonRetryableError
			if !errors.As(err, &nonRetryable) {
				t.Fatalf("expected NonRetryableError, got %v", err)
			}
		})
	}
}
