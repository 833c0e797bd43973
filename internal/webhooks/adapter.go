// Package webhooks turns signed gateway notifications into transaction,
// order and license state changes.
package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/money"
)

var (
	ErrProviderNotFound = errors.New("webhook provider not supported")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	// ErrEventIgnored marks notification types that carry no payment status.
	ErrEventIgnored = errors.New("webhook event ignored")
)

// CanonicalEvent is a gateway notification in provider-neutral form.
type CanonicalEvent struct {
	EventType     string
	GatewayRef    string
	GlobalEventID string
	RawStatus     string
	Outcome       enums.PaymentOutcome
	// Amount is nil when the notification does not carry one.
	Amount        *decimal.Decimal
	Currency      string
	PaymentMethod string
	OccurredAt    time.Time
}

// Adapter verifies and parses one gateway's notifications. Verify must run
// on the exact bytes received, before anything decodes them.
type Adapter interface {
	Provider() enums.Gateway
	Verify(payload []byte, headers http.Header) error
	Parse(payload []byte) (CanonicalEvent, error)
}

type Registry struct {
	adapters map[enums.Gateway]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: map[enums.Gateway]Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		registry.adapters[adapter.Provider()] = adapter
	}
	return registry
}

func (r *Registry) Resolve(provider string) (Adapter, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	gateway, err := enums.ParseGateway(strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return nil, ErrProviderNotFound
	}
	adapter, ok := r.adapters[gateway]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

func (r *Registry) Providers() []enums.Gateway {
	if r == nil {
		return nil
	}
	out := make([]enums.Gateway, 0, len(r.adapters))
	for gateway := range r.adapters {
		out = append(out, gateway)
	}
	return out
}

// canonical fills Outcome from RawStatus through the closed mapping table.
func canonical(evt CanonicalEvent) CanonicalEvent {
	evt.Outcome = enums.MapProviderStatus(evt.RawStatus)
	evt.Currency = strings.ToUpper(strings.TrimSpace(evt.Currency))
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return evt
}

// minorUnits converts an integer amount in the currency's minor units.
func minorUnits(amount int64, code string) *decimal.Decimal {
	d := money.FromMinor(amount, code)
	return &d
}
