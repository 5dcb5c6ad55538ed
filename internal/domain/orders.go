package domain

import (
	"slices"
	"time"
)

// MarketplaceTopicOrders is the notification topic carrying order events.
const MarketplaceTopicOrders = "orders_v2"

// MarketplaceNotification mirrors the marketplace's notification payload.
type MarketplaceNotification struct {
	ID            string    `json:"_id,omitempty"`
	Resource      string    `json:"resource"`
	UserID        int64     `json:"user_id"`
	Topic         string    `json:"topic"`
	ApplicationID int64     `json:"application_id,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Sent          time.Time `json:"sent,omitempty"`
	Received      time.Time `json:"received,omitempty"`
	Channel       Channel   `json:"channel,omitempty"`
}

// IsOrderEvent reports whether the notification concerns an order.
func (n MarketplaceNotification) IsOrderEvent() bool {
	return n.Topic == MarketplaceTopicOrders
}

// OrderLineItem is a purchased SKU within an order.
type OrderLineItem struct {
	SKU       string
	Quantity  int
	ListingID string
	VariantID string
}

// Order is an immutable marketplace order snapshot.
type Order struct {
	ID               string
	SellerExternalID string
	Status           string
	Tags             []string
	ShipmentID       string
	CreatedAt        time.Time
	LineItems        []OrderLineItem
}

// PaidAndUndelivered reports whether the order should trigger inventory adjustments.
func (o Order) PaidAndUndelivered() bool {
	return o.Status == "paid" && slices.Contains(o.Tags, "not_delivered")
}

// Shipment carries the logistics classification of an order's shipment.
type Shipment struct {
	ID           string
	LogisticType string
}

// FulfillmentManaged reports whether the channel's own logistics own the stock.
func (s Shipment) FulfillmentManaged() bool {
	return s.LogisticType == "fulfillment"
}

// StorefrontOrderLineItem is a line of a storefront order webhook.
type StorefrontOrderLineItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	VariantID int64  `json:"variant_id"`
	Title     string `json:"title,omitempty"`
}

// StorefrontOrder is the storefront's order-created webhook body.
type StorefrontOrder struct {
	ID        int64                     `json:"id"`
	Number    int64                     `json:"number"`
	Name      string                    `json:"name,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	LineItems []StorefrontOrderLineItem `json:"line_items"`
}

// ProcessedOrderState distinguishes in-flight claims from completed records. A pending claim
// holds a lease and may be taken over once it lapses; an attempted claim has started writing to
// the channels and is never taken over.
type ProcessedOrderState string

const (
	ProcessedOrderPending   ProcessedOrderState = "pending"
	ProcessedOrderAttempted ProcessedOrderState = "attempted"
	ProcessedOrderProcessed ProcessedOrderState = "processed"
)

// ProcessedOrder marks that inventory for (AccountID, OrderID) was already adjusted.
type ProcessedOrder struct {
	AccountID      string
	OrderID        string
	Channel        Channel
	State          ProcessedOrderState
	Outcome        string
	RunID          string
	OrderCreatedAt time.Time
	ClaimedAt      time.Time
	LeaseExpiresAt time.Time
	ProcessedAt    time.Time
	ExpiresAt      time.Time
}

// Blocks reports whether the record prevents a new claim at the given instant.
func (p ProcessedOrder) Blocks(now time.Time) bool {
	switch p.State {
	case ProcessedOrderProcessed, ProcessedOrderAttempted:
		return true
	}
	return now.Before(p.LeaseExpiresAt)
}
