package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/stocksync/api/internal/domain"
)

// PubSubNotificationPublisher hands marketplace notifications to the queue so the webhook can
// answer immediately.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotification enqueues the notification tagged with the marketplace channel.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, notification domain.MarketplaceNotification) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification publisher: not initialised")
	}
	if notification.Channel == "" {
		notification.Channel = domain.ChannelMarketplace
	}

	data, err := p.marshal(notification)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "channel", string(notification.Channel))
	setAttr(attrs, "topic", notification.Topic)
	setAttr(attrs, "resource", notification.Resource)
	if notification.UserID != 0 {
		attrs["userId"] = strconv.FormatInt(notification.UserID, 10)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
