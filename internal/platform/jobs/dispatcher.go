package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/requestctx"
	"github.com/stocksync/api/internal/services"
)

// NotificationHandler processes one marketplace notification.
type NotificationHandler interface {
	HandleMarketplaceNotification(ctx context.Context, notification domain.MarketplaceNotification) (services.ReconciliationReport, error)
}

// Delivery is one queue message, whether pulled or pushed.
type Delivery struct {
	ID         string
	Attempt    int
	Data       []byte
	Attributes map[string]string
}

// Dispatcher decodes queued notifications and runs them through the reconciliation controller.
// Dispatch returns an error only when the message must be redelivered.
type Dispatcher struct {
	handler NotificationHandler
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(handler NotificationHandler, logger func(ctx context.Context, event string, fields map[string]any)) (*Dispatcher, error) {
	if handler == nil {
		return nil, errors.New("jobs: notification handler is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Dispatcher{handler: handler, logger: logger}, nil
}

// Dispatch handles the delivery. Undecodable payloads and permanent failures are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) error {
	ctx = requestctx.WithDelivery(ctx, requestctx.DeliveryInfo{
		Source:  "pubsub",
		ID:      delivery.ID,
		Attempt: delivery.Attempt,
	})

	var notification domain.MarketplaceNotification
	if err := json.Unmarshal(delivery.Data, &notification); err != nil {
		d.logger(ctx, "jobs.notification_decode_failed", map[string]any{
			"messageId": delivery.ID,
			"error":     err.Error(),
		})
		return nil
	}
	if notification.Channel != "" && notification.Channel != domain.ChannelMarketplace {
		d.logger(ctx, "jobs.notification_skipped", map[string]any{
			"messageId": delivery.ID,
			"channel":   string(notification.Channel),
		})
		return nil
	}

	report, err := d.handler.HandleMarketplaceNotification(ctx, notification)
	if err != nil {
		if errors.Is(err, services.ErrReconciliationRetryable) {
			return fmt.Errorf("dispatch %s: %w", delivery.ID, err)
		}
		d.logger(ctx, "jobs.notification_dropped", map[string]any{
			"messageId": delivery.ID,
			"runId":     report.RunID,
			"state":     string(report.State),
			"error":     err.Error(),
		})
		return nil
	}
	return nil
}
