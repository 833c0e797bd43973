package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeAdapter struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeAdapter verifies `t=…,v1=…` signatures made with secret. A zero
// tolerance disables the timestamp check.
func NewStripeAdapter(secret string, tolerance time.Duration) (*StripeAdapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe webhook secret required")
	}
	return &StripeAdapter{secret: secret, tolerance: tolerance, now: time.Now}, nil
}

func (a *StripeAdapter) Provider() enums.Gateway { return enums.GatewayStripe }

func (a *StripeAdapter) Verify(payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(stripeSignatureHeader))
	if header == "" {
		return ErrInvalidSignature
	}
	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		return ErrInvalidSignature
	}
	if a.tolerance > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(ts, 0))
		if age > a.tolerance || age < -a.tolerance {
			return ErrInvalidSignature
		}
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Amount             int64             `json:"amount"`
	AmountReceived     int64             `json:"amount_received"`
	Currency           string            `json:"currency"`
	PaymentIntent      string            `json:"payment_intent"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
}

// stripeStatuses maps the event types that move a payment to the status
// fed into the mapping table.
var stripeStatuses = map[string]string{
	"payment_intent.succeeded":       "succeeded",
	"payment_intent.processing":      "processing",
	"payment_intent.payment_failed":  "failed",
	"payment_intent.canceled":        "canceled",
	"charge.refunded":                "refunded",
	"charge.dispute.funds_withdrawn": "charged_back",
}

func (a *StripeAdapter) Parse(payload []byte) (CanonicalEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	status, ok := stripeStatuses[strings.TrimSpace(event.Type)]
	if !ok {
		return CanonicalEvent{}, ErrEventIgnored
	}
	var obj stripeObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ref := strings.TrimSpace(obj.Metadata["gateway_ref"])
	if ref == "" {
		ref = obj.ID
		if obj.Object == "charge" || obj.Object == "dispute" {
			ref = obj.PaymentIntent
		}
	}
	if strings.TrimSpace(ref) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing payment reference", ErrInvalidPayload)
	}

	evt := CanonicalEvent{
		EventType:     event.Type,
		GatewayRef:    ref,
		GlobalEventID: event.ID,
		RawStatus:     status,
		Currency:      obj.Currency,
	}
	if event.Created > 0 {
		evt.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if status == "succeeded" {
		amount := obj.AmountReceived
		if amount <= 0 {
			amount = obj.Amount
		}
		evt.Amount = minorUnits(amount, obj.Currency)
	}
	if len(obj.PaymentMethodTypes) > 0 {
		evt.PaymentMethod = obj.PaymentMethodTypes[0]
	}
	return canonical(evt), nil
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
