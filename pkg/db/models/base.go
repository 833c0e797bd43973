package models

import "github.com/google/uuid"

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// All lists every model, in dependency order, for AutoMigrate in tests.
func All() []any {
	return []any{
		&Order{},
		&Transaction{},
		&License{},
		&WaitlistEntry{},
		&WebhookEvent{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
