// Package events publishes order lifecycle notifications to Pub/Sub so downstream
// consumers (notifications, analytics, seller payouts) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// Event types emitted over the order events topic.
const (
	OrderCreated   = "order.created"
	OrderPaid      = "order.paid"
	OrderCancelled = "order.cancelled"
	OrderRefunded  = "order.refunded"
	OrderDisputed  = "order.disputed"
)

// OrderEvent is the message body published for each lifecycle transition.
type OrderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber,omitempty"`
	BuyerID     string    `json:"buyerId,omitempty"`
	SellerID    string    `json:"sellerId,omitempty"`
	ItemIDs     []string  `json:"itemIds,omitempty"`
	TotalCents  int64     `json:"totalCents,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers order events to interested consumers.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// PubSubPublisher publishes order events on a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("order event publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues the event and returns the Pub/Sub message ID.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("order event publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return "", errors.New("order event publisher: event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "buyerId", event.BuyerID)
	setAttr(attrs, "sellerId", event.SellerID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// NopPublisher discards events. It stands in when no topic is configured.
type NopPublisher struct{}

// PublishOrderEvent implements Publisher.
func (NopPublisher) PublishOrderEvent(context.Context, OrderEvent) (string, error) {
	return "", nil
}
