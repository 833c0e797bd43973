package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateOrder         OutboxAggregateType = "order"
	AggregateTransaction   OutboxAggregateType = "transaction"
	AggregateLicense       OutboxAggregateType = "license"
	AggregateWaitlistEntry OutboxAggregateType = "waitlist_entry"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregateTransaction,
	AggregateLicense,
	AggregateWaitlistEntry,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventLicenseDeliveryRequested OutboxEventType = "license_delivery_requested"
	EventPaymentDuplicate         OutboxEventType = "payment_duplicate"
	EventWaitlistDeliveryFailed   OutboxEventType = "waitlist_delivery_failed"
	EventOrderCanceled            OutboxEventType = "order_canceled"
	EventOrderCompleted           OutboxEventType = "order_completed"
	EventOrderWaitlisted          OutboxEventType = "order_waitlisted"
	EventLicenseReturned          OutboxEventType = "license_returned"
)

var validOutboxEventTypes = []OutboxEventType{
	EventLicenseDeliveryRequested,
	EventPaymentDuplicate,
	EventWaitlistDeliveryFailed,
	EventOrderCanceled,
	EventOrderCompleted,
	EventOrderWaitlisted,
	EventLicenseReturned,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
