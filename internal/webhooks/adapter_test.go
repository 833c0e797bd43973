package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

const (
	testStripeSecret = "whsec_test"
	testSquareKey    = "sq-signature-key"
	testSquareURL    = "https://api.keystock.test/webhooks/square"
	testMPSecret     = "mp-secret"
)

func signStripe(payload []byte, ts int64) http.Header {
	mac := hmac.New(sha256.New, []byte(testStripeSecret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	h := http.Header{}
	h.Set(stripeSignatureHeader, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func signSquare(payload []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(testSquareKey))
	mac.Write([]byte(testSquareURL))
	mac.Write(payload)
	h := http.Header{}
	h.Set(squareSignatureHeader, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return h
}

func signMercadoPago(dataID, requestID, ts string) http.Header {
	mac := hmac.New(sha256.New, []byte(testMPSecret))
	mac.Write([]byte("id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"))
	h := http.Header{}
	h.Set(mercadoPagoSignatureHeader, "ts="+ts+",v1="+hex.EncodeToString(mac.Sum(nil)))
	h.Set(mercadoPagoRequestIDHeader, requestID)
	return h
}

func stripeIntentEvent(eventID, eventType, intentID string, amount int64) []byte {
	return stripeIntentEventIn(eventID, eventType, intentID, amount, "usd")
}

func stripeIntentEventIn(eventID, eventType, intentID string, amount int64, currency string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1760000000,"data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"amount_received":%d,"currency":%q,"payment_method_types":["card"]}}}`,
		eventID, eventType, intentID, amount, amount, currency))
}

func stripeRefundEvent(eventID, intentID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"charge.refunded","created":1760000100,"data":{"object":{"id":"ch_1","object":"charge","amount":1999,"currency":"usd","payment_intent":%q}}}`,
		eventID, intentID))
}

func TestStripeVerify(t *testing.T) {
	adapter, err := NewStripeAdapter(testStripeSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	now := time.Unix(1760000000, 0)
	adapter.now = func() time.Time { return now }
	payload := stripeIntentEvent("evt_1", "payment_intent.succeeded", "pi_1", 1999)

	tests := []struct {
		name    string
		payload []byte
		headers http.Header
		wantErr bool
	}{
		{name: "valid", payload: payload, headers: signStripe(payload, now.Unix())},
		{name: "tampered body", payload: append([]byte(" "), payload...), headers: signStripe(payload, now.Unix()), wantErr: true},
		{name: "expired timestamp", payload: payload, headers: signStripe(payload, now.Add(-10*time.Minute).Unix()), wantErr: true},
		{name: "missing header", payload: payload, headers: http.Header{}, wantErr: true},
		{name: "garbage header", payload: payload, headers: http.Header{stripeSignatureHeader: []string{"nonsense"}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := adapter.Verify(tc.payload, tc.headers)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSignature) {
					t.Fatalf("expected ErrInvalidSignature, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStripeParse(t *testing.T) {
	adapter, _ := NewStripeAdapter(testStripeSecret, 0)

	evt, err := adapter.Parse(stripeIntentEvent("evt_1", "payment_intent.succeeded", "pi_1", 1999))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.GatewayRef != "pi_1" || evt.GlobalEventID != "evt_1" {
		t.Fatalf("unexpected refs: %+v", evt)
	}
	if evt.Outcome != enums.OutcomePaid {
		t.Fatalf("expected PAID, got %s", evt.Outcome)
	}
	if evt.Amount == nil || !evt.Amount.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("unexpected amount %v", evt.Amount)
	}
	if evt.Currency != "USD" || evt.PaymentMethod != "card" {
		t.Fatalf("unexpected currency/method: %+v", evt)
	}

	refund, err := adapter.Parse(stripeRefundEvent("evt_2", "pi_1"))
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	if refund.GatewayRef != "pi_1" || refund.Outcome != enums.OutcomeRefunded {
		t.Fatalf("unexpected refund event: %+v", refund)
	}

	if _, err := adapter.Parse([]byte(`{"id":"evt_3","type":"customer.created","data":{"object":{}}}`)); !errors.Is(err, ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
	if _, err := adapter.Parse([]byte(`{not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestParseUsesCurrencyMinorUnits(t *testing.T) {
	stripe, _ := NewStripeAdapter(testStripeSecret, 0)
	square, err := NewSquareAdapter(testSquareKey, testSquareURL)
	if err != nil {
		t.Fatalf("new square adapter: %v", err)
	}
	squareKRW := []byte(`{"type":"payment.updated","event_id":"sq-krw","data":{"object":{"payment":{"id":"sq-pay-krw","status":"COMPLETED","amount_money":{"amount":15000,"currency":"KRW"}}}}}`)

	cases := []struct {
		name     string
		adapter  Adapter
		payload  []byte
		amount   string
		currency string
	}{
		{name: "stripe jpy", adapter: stripe, payload: stripeIntentEventIn("evt_jpy", "payment_intent.succeeded", "pi_jpy", 1000, "jpy"), amount: "1000", currency: "JPY"},
		{name: "stripe kwd", adapter: stripe, payload: stripeIntentEventIn("evt_kwd", "payment_intent.succeeded", "pi_kwd", 12345, "kwd"), amount: "12.345", currency: "KWD"},
		{name: "square krw", adapter: square, payload: squareKRW, amount: "15000", currency: "KRW"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := tc.adapter.Parse(tc.payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if evt.Amount == nil || !evt.Amount.Equal(decimal.RequireFromString(tc.amount)) {
				t.Fatalf("expected amount %s, got %v", tc.amount, evt.Amount)
			}
			if evt.Currency != tc.currency {
				t.Fatalf("expected currency %s, got %s", tc.currency, evt.Currency)
			}
		})
	}
}

func TestSquareVerifyAndParse(t *testing.T) {
	adapter, err := NewSquareAdapter(testSquareKey, testSquareURL)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	payload := []byte(`{"merchant_id":"M1","type":"payment.updated","event_id":"sq-evt-1","created_at":"2026-10-01T12:00:00Z","data":{"type":"payment","id":"sq-pay-1","object":{"payment":{"id":"sq-pay-1","status":"COMPLETED","source_type":"CARD","amount_money":{"amount":1999,"currency":"USD"}}}}}`)

	if err := adapter.Verify(payload, signSquare(payload)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := adapter.Verify(payload, signSquare([]byte("other"))); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	evt, err := adapter.Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.GatewayRef != "sq-pay-1" || evt.Outcome != enums.OutcomePaid || evt.PaymentMethod != "card" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	pendingRefund := []byte(`{"type":"refund.updated","event_id":"sq-evt-2","data":{"object":{"refund":{"id":"r1","status":"PENDING","payment_id":"sq-pay-1"}}}}`)
	if _, err := adapter.Parse(pendingRefund); !errors.Is(err, ErrEventIgnored) {
		t.Fatalf("expected pending refund to be ignored, got %v", err)
	}
	completedRefund := []byte(`{"type":"refund.updated","event_id":"sq-evt-3","data":{"object":{"refund":{"id":"r1","status":"COMPLETED","payment_id":"sq-pay-1"}}}}`)
	refund, err := adapter.Parse(completedRefund)
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	if refund.Outcome != enums.OutcomeRefunded || refund.GatewayRef != "sq-pay-1" {
		t.Fatalf("unexpected refund: %+v", refund)
	}
}

func TestMercadoPagoVerifyAndParse(t *testing.T) {
	adapter, err := NewMercadoPagoAdapter(testMPSecret)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	payload := []byte(`{"id":12345,"type":"payment","action":"payment.updated","date_created":"2026-10-01T12:00:00Z","data":{"id":"987","status":"approved","transaction_amount":19.99,"currency_id":"usd","external_reference":"mp-ref-1","payment_type_id":"credit_card"}}`)

	if err := adapter.Verify(payload, signMercadoPago("987", "req-1", "1760000000")); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := adapter.Verify(payload, signMercadoPago("988", "req-1", "1760000000")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	evt, err := adapter.Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.GatewayRef != "mp-ref-1" || evt.GlobalEventID != "12345" {
		t.Fatalf("unexpected refs: %+v", evt)
	}
	if evt.Outcome != enums.OutcomePaid || evt.Currency != "USD" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Amount == nil || !evt.Amount.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("unexpected amount %v", evt.Amount)
	}

	unknown := []byte(`{"id":1,"type":"payment","action":"payment.updated","data":{"id":"1","status":"weird_state"}}`)
	evt, err = adapter.Parse(unknown)
	if err != nil {
		t.Fatalf("parse unknown: %v", err)
	}
	if evt.Outcome != enums.OutcomeFailed {
		t.Fatalf("unknown status must fail closed, got %s", evt.Outcome)
	}
}

func TestRegistryResolve(t *testing.T) {
	stripe, _ := NewStripeAdapter(testStripeSecret, 0)
	registry := NewRegistry(stripe, nil)

	adapter, err := registry.Resolve(" Stripe ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if adapter.Provider() != enums.GatewayStripe {
		t.Fatalf("unexpected adapter %s", adapter.Provider())
	}
	if _, err := registry.Resolve("square"); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound for unconfigured provider, got %v", err)
	}
	if _, err := registry.Resolve("paypal"); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}
