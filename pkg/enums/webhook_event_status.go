package enums

// WebhookEventStatus tracks a received notification through processing.
type WebhookEventStatus string

const (
	WebhookEventProcessing WebhookEventStatus = "PROCESSING"
	WebhookEventProcessed  WebhookEventStatus = "PROCESSED"
	WebhookEventIgnored    WebhookEventStatus = "IGNORED"
	// WebhookEventFailed rows are picked up by the reprocess job.
	WebhookEventFailed WebhookEventStatus = "FAILED"
	WebhookEventDead   WebhookEventStatus = "DEAD"
)

var validWebhookEventStatuses = []WebhookEventStatus{
	WebhookEventProcessing,
	WebhookEventProcessed,
	WebhookEventIgnored,
	WebhookEventFailed,
	WebhookEventDead,
}

func (s WebhookEventStatus) IsValid() bool {
	for _, candidate := range validWebhookEventStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}
