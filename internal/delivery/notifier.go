// Package delivery hands sold license keys to the customer-facing delivery
// channel and completes the order once the hand-off succeeded.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/keystock-backend/pkg/pubsub"
)

// Request is everything the delivery channel needs to send one key.
type Request struct {
	OrderID       uuid.UUID `json:"orderId"`
	LicenseID     uuid.UUID `json:"licenseId"`
	ProductRef    string    `json:"productRef"`
	CustomerRef   string    `json:"customerRef"`
	CustomerEmail string    `json:"customerEmail"`
	SecretKey     string    `json:"secretKey"`
	Source        string    `json:"source"`
}

// Notifier delivers a license key. Implementations must be safe to call
// again for the same request.
type Notifier interface {
	Deliver(ctx context.Context, req Request) error
}

// PubSubNotifier publishes delivery requests on the delivery topic; the
// mailer subscribes to it.
type PubSubNotifier struct {
	publisher pubsub.Publisher
	topic     string
}

func NewPubSubNotifier(publisher pubsub.Publisher, topic string) (*PubSubNotifier, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher required")
	}
	if topic == "" {
		return nil, errors.New("delivery topic required")
	}
	return &PubSubNotifier{publisher: publisher, topic: topic}, nil
}

func (n *PubSubNotifier) Deliver(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode delivery request: %w", err)
	}
	_, err = n.publisher.Publish(ctx, n.topic, pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"order_id":    req.OrderID.String(),
			"license_id":  req.LicenseID.String(),
			"product_ref": req.ProductRef,
			"source":      req.Source,
		},
	})
	return err
}
