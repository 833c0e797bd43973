package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Message is what the outbox publisher and the delivery notifier hand over.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Publisher sends a message to one topic and waits for the server ack.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

// Publish publishes msg on topic and blocks until Pub/Sub returns a server id.
func (c *Client) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	pub := c.Publisher(topic)
	if pub == nil {
		return "", errors.New("pubsub publisher not configured for topic " + topic)
	}
	result := pub.Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: msg.Attributes,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}
