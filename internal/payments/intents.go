package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/money"
	"github.com/angelmondragon/keystock-backend/pkg/square"
)

// IntentRequest is what a gateway needs to start collecting money for a
// transaction that is already stored as CREATED.
type IntentRequest struct {
	Order       *models.Order
	Transaction *models.Transaction
	SourceID    string
}

type IntentResult struct {
	// ProviderPaymentID is set when the gateway assigns its own payment id.
	ProviderPaymentID string
	RedirectURL       string
	Meta              map[string]string
}

// IntentCreator starts a payment at one gateway. The transaction's
// GatewayRef must be passed to the gateway so notifications can be matched.
type IntentCreator interface {
	Gateway() enums.Gateway
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error)
}

// HostedCheckout sends the buyer to a gateway-hosted payment page keyed by
// the transaction's gateway reference.
type HostedCheckout struct {
	gateway enums.Gateway
	baseURL *url.URL
}

func NewHostedCheckout(gateway enums.Gateway, checkoutURL string) (*HostedCheckout, error) {
	if !gateway.IsValid() {
		return nil, fmt.Errorf("invalid gateway %q", gateway)
	}
	checkoutURL = strings.TrimSpace(checkoutURL)
	if checkoutURL == "" {
		return nil, fmt.Errorf("%s checkout url required", gateway)
	}
	parsed, err := url.Parse(checkoutURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%s checkout url %q is not absolute", gateway, checkoutURL)
	}
	return &HostedCheckout{gateway: gateway, baseURL: parsed}, nil
}

func (h *HostedCheckout) Gateway() enums.Gateway { return h.gateway }

func (h *HostedCheckout) CreateIntent(_ context.Context, req IntentRequest) (IntentResult, error) {
	if req.Order == nil || req.Transaction == nil {
		return IntentResult{}, errors.New("order and transaction required")
	}
	redirect := *h.baseURL
	q := redirect.Query()
	q.Set("reference", req.Transaction.GatewayRef)
	q.Set("amount", req.Transaction.Amount.StringFixed(money.Exponent(req.Transaction.Currency)))
	q.Set("currency", req.Transaction.Currency)
	q.Set("email", req.Order.CustomerEmail)
	redirect.RawQuery = q.Encode()
	return IntentResult{
		RedirectURL: redirect.String(),
		Meta:        map[string]string{"flow": "hosted_checkout"},
	}, nil
}

type squarePayments interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
}

// SquareIntents charges a card nonce through the Square Payments API. The
// payment is only authorized here; completion arrives by webhook.
type SquareIntents struct {
	client squarePayments
}

func NewSquareIntents(client squarePayments) (*SquareIntents, error) {
	if client == nil {
		return nil, errors.New("square client required")
	}
	return &SquareIntents{client: client}, nil
}

func (s *SquareIntents) Gateway() enums.Gateway { return enums.GatewaySquare }

func (s *SquareIntents) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	if req.Order == nil || req.Transaction == nil {
		return IntentResult{}, errors.New("order and transaction required")
	}
	if strings.TrimSpace(req.SourceID) == "" {
		return IntentResult{}, pkgerrors.New(pkgerrors.CodeValidation, "sourceId is required for square payments")
	}
	autocomplete := false
	payment, err := s.client.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents:    money.ToMinor(req.Transaction.Amount, req.Transaction.Currency),
		Currency:       req.Transaction.Currency,
		SourceID:       req.SourceID,
		BuyerEmail:     req.Order.CustomerEmail,
		IdempotencyKey: "ks-" + req.Transaction.ID.String(),
		ReferenceID:    req.Transaction.GatewayRef,
		Note:           "order " + req.Order.ID.String(),
		Autocomplete:   &autocomplete,
	})
	if err != nil {
		return IntentResult{}, err
	}
	result := IntentResult{Meta: map[string]string{"flow": "card_nonce"}}
	if id := payment.GetID(); id != nil {
		result.ProviderPaymentID = *id
	}
	if status := payment.GetStatus(); status != nil {
		result.Meta["status"] = *status
	}
	return result, nil
}
