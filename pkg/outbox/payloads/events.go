package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LicenseDeliveryRequested asks the delivery consumer to send the secret key
// of a SOLD license to the customer.
type LicenseDeliveryRequested struct {
	OrderID       uuid.UUID `json:"orderId"`
	LicenseID     uuid.UUID `json:"licenseId"`
	ProductRef    string    `json:"productRef"`
	CustomerRef   string    `json:"customerRef"`
	CustomerEmail string    `json:"customerEmail"`
	Source        string    `json:"source"`
}

// PaymentDuplicate flags money captured for an order that cannot use it; it
// needs a manual refund.
type PaymentDuplicate struct {
	OrderID       uuid.UUID       `json:"orderId"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Gateway       string          `json:"gateway"`
	GatewayRef    string          `json:"gatewayRef"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reason        string          `json:"reason"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

type WaitlistDeliveryFailed struct {
	OrderID    uuid.UUID  `json:"orderId"`
	EntryID    int64      `json:"entryId"`
	LicenseID  *uuid.UUID `json:"licenseId,omitempty"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError"`
}

type OrderCanceled struct {
	OrderID    uuid.UUID `json:"orderId"`
	Reason     string    `json:"reason"`
	Released   int       `json:"releasedLicenses"`
	CanceledAt time.Time `json:"canceledAt"`
}

type OrderCompleted struct {
	OrderID     uuid.UUID `json:"orderId"`
	LicenseID   uuid.UUID `json:"licenseId"`
	CompletedAt time.Time `json:"completedAt"`
}

type OrderWaitlisted struct {
	OrderID    uuid.UUID `json:"orderId"`
	EntryID    int64     `json:"entryId"`
	ProductRef string    `json:"productRef"`
	Priority   time.Time `json:"priority"`
}

type LicenseReturned struct {
	OrderID       uuid.UUID   `json:"orderId"`
	TransactionID uuid.UUID   `json:"transactionId"`
	LicenseIDs    []uuid.UUID `json:"licenseIds"`
	Outcome       string      `json:"outcome"`
}
