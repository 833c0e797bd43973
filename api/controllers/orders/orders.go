package orders

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keystock-backend/api/responses"
	"github.com/angelmondragon/keystock-backend/api/validators"
	"github.com/angelmondragon/keystock-backend/internal/payments"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type orderService interface {
	CreateOrder(ctx context.Context, input payments.CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	CreatePaymentIntent(ctx context.Context, orderID uuid.UUID, input payments.IntentInput) (*payments.Intent, error)
}

type createOrderRequest struct {
	CustomerRef   string          `json:"customerRef" validate:"required,max=128"`
	CustomerEmail string          `json:"customerEmail" validate:"required,email"`
	ProductRef    string          `json:"productRef" validate:"required,max=128"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Currency      string          `json:"currency" validate:"required,len=3"`
}

type paymentIntentRequest struct {
	Gateway  string `json:"gateway" validate:"required,oneof=stripe square mercadopago"`
	SourceID string `json:"sourceId" validate:"omitempty,max=256"`
}

type transactionView struct {
	ID            uuid.UUID       `json:"id"`
	Gateway       string          `json:"gateway"`
	GatewayRef    string          `json:"gatewayRef"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	PaymentMethod *string         `json:"paymentMethod,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type orderView struct {
	ID            uuid.UUID         `json:"id"`
	CustomerRef   string            `json:"customerRef"`
	CustomerEmail string            `json:"customerEmail"`
	ProductRef    string            `json:"productRef"`
	Quantity      int               `json:"quantity"`
	TotalAmount   decimal.Decimal   `json:"totalAmount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	CancelReason  *string           `json:"cancelReason,omitempty"`
	DeliveredAt   *time.Time        `json:"deliveredAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	Transactions  []transactionView `json:"transactions"`
}

// Create stores a PENDING order for one license.
func Create(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.CreateOrder(r.Context(), payments.CreateOrderInput{
			CustomerRef:   validators.SanitizeString(req.CustomerRef, 128),
			CustomerEmail: validators.SanitizeString(req.CustomerEmail, 254),
			ProductRef:    validators.SanitizeString(req.ProductRef, 128),
			UnitPrice:     req.UnitPrice,
			Currency:      req.Currency,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toOrderView(order))
	}
}

// Detail returns the order with its payment attempts.
func Detail(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderView(order))
	}
}

// CreatePaymentIntent opens a payment attempt at the requested gateway.
func CreatePaymentIntent(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req paymentIntentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		intent, err := svc.CreatePaymentIntent(r.Context(), orderID, payments.IntentInput{
			Gateway:  req.Gateway,
			SourceID: strings.TrimSpace(req.SourceID),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, intent)
	}
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id").WithDetails(map[string]any{"orderId": raw})
	}
	return id, nil
}

func toOrderView(order *models.Order) orderView {
	view := orderView{
		ID:            order.ID,
		CustomerRef:   order.CustomerRef,
		CustomerEmail: order.CustomerEmail,
		ProductRef:    order.ProductRef,
		Quantity:      order.Quantity,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		Status:        string(order.Status),
		CancelReason:  order.CancelReason,
		DeliveredAt:   order.DeliveredAt,
		CompletedAt:   order.CompletedAt,
		CreatedAt:     order.CreatedAt,
		Transactions:  make([]transactionView, 0, len(order.Transactions)),
	}
	for _, txn := range order.Transactions {
		view.Transactions = append(view.Transactions, transactionView{
			ID:            txn.ID,
			Gateway:       txn.Gateway.String(),
			GatewayRef:    txn.GatewayRef,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			Status:        string(txn.Status),
			PaymentMethod: txn.PaymentMethod,
			CreatedAt:     txn.CreatedAt,
		})
	}
	return view
}
