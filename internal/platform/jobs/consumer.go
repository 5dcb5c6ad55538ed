package jobs

import (
	"context"
	"errors"

	"cloud.google.com/go/pubsub"
)

const defaultMaxOutstanding = 10

// Consumer pulls notifications from a subscription and acks them once dispatched. Messages whose
// dispatch asks for redelivery are nacked.
type Consumer struct {
	sub            *pubsub.Subscription
	dispatcher     *Dispatcher
	maxOutstanding int
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// ConsumerOption customises the consumer.
type ConsumerOption func(*Consumer)

// WithMaxOutstanding bounds the number of messages handled concurrently.
func WithMaxOutstanding(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxOutstanding = n
		}
	}
}

// WithConsumerLogger sets the event logger.
func WithConsumerLogger(logger func(ctx context.Context, event string, fields map[string]any)) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer constructs a pull consumer for the subscription.
func NewConsumer(sub *pubsub.Subscription, dispatcher *Dispatcher, opts ...ConsumerOption) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("jobs: subscription is required")
	}
	if dispatcher == nil {
		return nil, errors.New("jobs: dispatcher is required")
	}
	c := &Consumer{
		sub:            sub,
		dispatcher:     dispatcher,
		maxOutstanding: defaultMaxOutstanding,
		logger:         func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run blocks until ctx is cancelled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.sub.ReceiveSettings.MaxOutstandingMessages = c.maxOutstanding
	c.logger(ctx, "jobs.consumer_started", map[string]any{"subscription": c.sub.ID()})

	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		delivery := Delivery{ID: msg.ID, Data: msg.Data, Attributes: msg.Attributes}
		if msg.DeliveryAttempt != nil {
			delivery.Attempt = *msg.DeliveryAttempt
		}
		if err := c.dispatcher.Dispatch(ctx, delivery); err != nil {
			c.logger(ctx, "jobs.notification_failed", map[string]any{
				"messageId": msg.ID,
				"attempt":   delivery.Attempt,
				"error":     err.Error(),
			})
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
