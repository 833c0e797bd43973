package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

const squareSignatureHeader = "x-square-hmacsha256-signature"

type SquareAdapter struct {
	signatureKey    string
	notificationURL string
}

// NewSquareAdapter verifies signatures computed over notificationURL
// followed by the body, exactly as Square signs them.
func NewSquareAdapter(signatureKey, notificationURL string) (*SquareAdapter, error) {
	if strings.TrimSpace(signatureKey) == "" {
		return nil, errors.New("square webhook signature key required")
	}
	if strings.TrimSpace(notificationURL) == "" {
		return nil, errors.New("square notification url required")
	}
	return &SquareAdapter{signatureKey: signatureKey, notificationURL: notificationURL}, nil
}

func (a *SquareAdapter) Provider() enums.Gateway { return enums.GatewaySquare }

func (a *SquareAdapter) Verify(payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(squareSignatureHeader))
	if signature == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(a.signatureKey))
	_, _ = mac.Write([]byte(a.notificationURL))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

type squareEvent struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *squarePayment `json:"payment"`
			Refund  *squareRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	SourceType  string       `json:"source_type"`
	ReferenceID string       `json:"reference_id"`
	AmountMoney *squareMoney `json:"amount_money"`
}

type squareRefund struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	PaymentID   string       `json:"payment_id"`
	AmountMoney *squareMoney `json:"amount_money"`
}

func (a *SquareAdapter) Parse(payload []byte) (CanonicalEvent, error) {
	var event squareEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.EventID) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing event_id", ErrInvalidPayload)
	}

	evt := CanonicalEvent{
		EventType:     event.Type,
		GlobalEventID: event.EventID,
	}
	if ts, err := time.Parse(time.RFC3339, event.CreatedAt); err == nil {
		evt.OccurredAt = ts.UTC()
	}

	switch {
	case strings.HasPrefix(event.Type, "payment."):
		payment := event.Data.Object.Payment
		if payment == nil || strings.TrimSpace(payment.ID) == "" {
			return CanonicalEvent{}, fmt.Errorf("%w: missing payment object", ErrInvalidPayload)
		}
		evt.GatewayRef = payment.ID
		if ref := strings.TrimSpace(payment.ReferenceID); ref != "" {
			evt.GatewayRef = ref
		}
		evt.RawStatus = payment.Status
		evt.PaymentMethod = strings.ToLower(payment.SourceType)
		if payment.AmountMoney != nil {
			evt.Amount = minorUnits(payment.AmountMoney.Amount, payment.AmountMoney.Currency)
			evt.Currency = payment.AmountMoney.Currency
		}
	case strings.HasPrefix(event.Type, "refund."):
		refund := event.Data.Object.Refund
		if refund == nil || strings.TrimSpace(refund.PaymentID) == "" {
			return CanonicalEvent{}, fmt.Errorf("%w: missing refund object", ErrInvalidPayload)
		}
		// Only a completed refund changes the payment; pending or rejected
		// refunds leave it PAID.
		if enums.NormalizeProviderStatus(refund.Status) != "COMPLETED" {
			return CanonicalEvent{}, ErrEventIgnored
		}
		evt.GatewayRef = refund.PaymentID
		evt.RawStatus = "refunded"
	default:
		return CanonicalEvent{}, ErrEventIgnored
	}
	if strings.TrimSpace(evt.RawStatus) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing status", ErrInvalidPayload)
	}
	return canonical(evt), nil
}
