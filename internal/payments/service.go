// Package payments creates orders and the payment attempts that the
// webhook reconciler later settles.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/money"
)

const gatewayRefPrefix = "ks_"

type CreateOrderInput struct {
	CustomerRef   string
	CustomerEmail string
	ProductRef    string
	UnitPrice     decimal.Decimal
	Currency      string
}

type IntentInput struct {
	Gateway  string
	SourceID string
}

// Intent is returned to the buyer to continue payment at the gateway.
type Intent struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	GatewayRef    string          `json:"gatewayRef"`
	RedirectURL   string          `json:"redirectUrl,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reserved      bool            `json:"reserved"`
}

type ServiceParams struct {
	Store     *ledger.Store
	Allocator *inventory.Allocator
	Creators  []IntentCreator
	Logger    *logger.Logger
	// ReserveOnCheckout holds a license for the order while it waits for
	// payment.
	ReserveOnCheckout bool
}

type Service struct {
	store     *ledger.Store
	allocator *inventory.Allocator
	creators  map[enums.Gateway]IntentCreator
	logg      *logger.Logger
	reserve   bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Allocator == nil {
		return nil, fmt.Errorf("allocator required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	creators := make(map[enums.Gateway]IntentCreator, len(params.Creators))
	for _, creator := range params.Creators {
		if creator == nil {
			continue
		}
		creators[creator.Gateway()] = creator
	}
	return &Service{
		store:     params.Store,
		allocator: params.Allocator,
		creators:  creators,
		logg:      params.Logger,
		reserve:   params.ReserveOnCheckout,
	}, nil
}

// CreateOrder stores a PENDING order for one license of the product.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	input.CustomerRef = strings.TrimSpace(input.CustomerRef)
	input.CustomerEmail = strings.TrimSpace(input.CustomerEmail)
	input.ProductRef = strings.TrimSpace(input.ProductRef)
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	switch {
	case input.CustomerRef == "":
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customerRef is required")
	case input.CustomerEmail == "":
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customerEmail is required")
	case input.ProductRef == "":
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "productRef is required")
	case len(input.Currency) != 3:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency must be a 3 letter code")
	case !input.UnitPrice.IsPositive():
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unitPrice must be positive")
	}

	price := money.Round(input.UnitPrice, input.Currency)
	order := &models.Order{
		CustomerRef:   input.CustomerRef,
		CustomerEmail: input.CustomerEmail,
		ProductRef:    input.ProductRef,
		Quantity:      1,
		UnitPrice:     price,
		TotalAmount:   price,
		Currency:      input.Currency,
		Status:        enums.OrderStatusPending,
	}
	if err := s.store.DB().WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"product_ref": order.ProductRef,
		"amount":      order.TotalAmount.String(),
	})
	s.logg.Info(logCtx, "order created")
	return order, nil
}

// GetOrder returns the order with its payment attempts.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// CreatePaymentIntent records a CREATED transaction for the order, reserves
// a license when enabled and then asks the gateway to start the payment.
// The transaction is committed before the gateway is called so a fast
// notification always finds it.
func (s *Service) CreatePaymentIntent(ctx context.Context, orderID uuid.UUID, input IntentInput) (*Intent, error) {
	gateway, err := enums.ParseGateway(input.Gateway)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported gateway")
	}
	creator, ok := s.creators[gateway]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "gateway %s is not enabled", gateway)
	}
	ctx = s.logg.WithProvider(s.logg.WithOrderID(ctx, orderID.String()), gateway.String())

	var (
		order    models.Order
		txn      *models.Transaction
		reserved bool
	)
	err = s.store.WithLockedOrder(ctx, ledger.ClassAllocation, orderID, func(otx *ledger.OrderTx) error {
		reserved = false
		if otx.Order().Status != enums.OrderStatusPending {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order %s is %s", orderID, otx.Order().Status)
		}
		order = *otx.Order()
		txn = &models.Transaction{
			OrderID:    order.ID,
			Gateway:    gateway,
			GatewayRef: gatewayRefPrefix + uuid.NewString(),
			Amount:     order.TotalAmount,
			Currency:   order.Currency,
			Status:     enums.TransactionStatusCreated,
		}
		if err := otx.DB().WithContext(ctx).Create(txn).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if !s.reserve {
			return nil
		}
		_, err := s.allocator.Allocate(ctx, otx, inventory.ModeReserve)
		if errors.Is(err, inventory.ErrOutOfStock) {
			// Payment may still go through; the order is waitlisted then.
			return nil
		}
		if err != nil {
			return err
		}
		reserved = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err := creator.CreateIntent(ctx, IntentRequest{Order: &order, Transaction: txn, SourceID: input.SourceID})
	if err != nil {
		s.logg.Error(ctx, "payment intent creation failed", err)
		if failErr := s.failTransaction(ctx, order.ID, txn.ID); failErr != nil {
			s.logg.Error(ctx, "failed to mark transaction failed", failErr)
		}
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway unavailable")
	}

	if result.ProviderPaymentID != "" {
		if err := s.store.DB().WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ?", txn.ID).
			Update("provider_payment_id", result.ProviderPaymentID).Error; err != nil {
			return nil, fmt.Errorf("store provider payment id: %w", err)
		}
	}

	s.logg.Info(s.logg.WithField(ctx, "gateway_ref", txn.GatewayRef), "payment intent created")
	return &Intent{
		TransactionID: txn.ID,
		GatewayRef:    txn.GatewayRef,
		RedirectURL:   result.RedirectURL,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Reserved:      reserved,
	}, nil
}

// failTransaction writes off an attempt the gateway never accepted. The
// order stays PENDING so the buyer can retry; the timeout sweep reclaims
// any reservation.
func (s *Service) failTransaction(ctx context.Context, orderID, transactionID uuid.UUID) error {
	return s.store.WithLockedOrder(ctx, ledger.ClassReconcile, orderID, func(otx *ledger.OrderTx) error {
		txn, err := otx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		_, err = otx.SetTransactionStatus(ctx, txn, enums.TransactionStatusFailed, nil)
		return err
	})
}
