package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

const (
	mercadoPagoSignatureHeader = "x-signature"
	mercadoPagoRequestIDHeader = "x-request-id"
)

type MercadoPagoAdapter struct {
	secret string
}

func NewMercadoPagoAdapter(secret string) (*MercadoPagoAdapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("mercadopago webhook secret required")
	}
	return &MercadoPagoAdapter{secret: secret}, nil
}

func (a *MercadoPagoAdapter) Provider() enums.Gateway { return enums.GatewayMercadoPago }

// Verify checks x-signature against the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" built from the body.
func (a *MercadoPagoAdapter) Verify(payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(mercadoPagoSignatureHeader))
	if header == "" {
		return ErrInvalidSignature
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return ErrInvalidSignature
	}

	var envelope struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ErrInvalidSignature
	}
	dataID := strings.ToLower(strings.Trim(string(envelope.Data.ID), `"`))

	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + dataID + ";")
	}
	if requestID := strings.TrimSpace(headers.Get(mercadoPagoRequestIDHeader)); requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	mac := hmac.New(sha256.New, []byte(a.secret))
	_, _ = mac.Write([]byte(manifest.String()))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(v1)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

type mercadoPagoEvent struct {
	ID          json.Number `json:"id"`
	Type        string      `json:"type"`
	Action      string      `json:"action"`
	DateCreated string      `json:"date_created"`
	Data        struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		TransactionAmount json.Number `json:"transaction_amount"`
		CurrencyID        string      `json:"currency_id"`
		ExternalReference string      `json:"external_reference"`
		PaymentTypeID     string      `json:"payment_type_id"`
	} `json:"data"`
}

func (a *MercadoPagoAdapter) Parse(payload []byte) (CanonicalEvent, error) {
	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.UseNumber()
	var event mercadoPagoEvent
	if err := decoder.Decode(&event); err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Type != "payment" {
		return CanonicalEvent{}, ErrEventIgnored
	}
	if event.ID.String() == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing notification id", ErrInvalidPayload)
	}
	if strings.TrimSpace(event.Data.Status) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing payment status", ErrInvalidPayload)
	}

	ref := strings.TrimSpace(event.Data.ExternalReference)
	if ref == "" {
		ref = event.Data.ID.String()
	}
	if ref == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing payment reference", ErrInvalidPayload)
	}

	evt := CanonicalEvent{
		EventType:     event.Action,
		GatewayRef:    ref,
		GlobalEventID: event.ID.String(),
		RawStatus:     event.Data.Status,
		Currency:      event.Data.CurrencyID,
		PaymentMethod: event.Data.PaymentTypeID,
	}
	if evt.EventType == "" {
		evt.EventType = event.Type
	}
	if raw := event.Data.TransactionAmount.String(); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return CanonicalEvent{}, fmt.Errorf("%w: amount %q", ErrInvalidPayload, raw)
		}
		evt.Amount = &amount
	}
	if ts, err := time.Parse(time.RFC3339, event.DateCreated); err == nil {
		evt.OccurredAt = ts.UTC()
	}
	return canonical(evt), nil
}
