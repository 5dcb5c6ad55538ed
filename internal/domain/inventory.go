package domain

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeSKU returns the canonical comparison form of a SKU.
func NormalizeSKU(sku string) string {
	return norm.NFC.String(strings.TrimSpace(sku))
}

// SameSKU compares two SKUs after normalisation. Empty SKUs never match.
func SameSKU(a, b string) bool {
	na := NormalizeSKU(a)
	if na == "" {
		return false
	}
	return na == NormalizeSKU(b)
}

// ListingKind discriminates listing shapes returned by the marketplace.
type ListingKind string

const (
	ListingKindSimple     ListingKind = "simple"
	ListingKindVariations ListingKind = "variations"
)

// Variation is a SKU-bearing sub-entry of a listing.
type Variation struct {
	ID       string
	SKU      string
	Quantity int
	// Fields carries the remote representation verbatim so write-backs preserve unknown attributes.
	Fields map[string]json.RawMessage
}

// Listing is a remote catalog entry owned by exactly one account.
type Listing struct {
	ID          string
	AccountID   string
	Kind        ListingKind
	Status      string
	Fulfillment bool
	// Quantity is nil when the listing exposes no stock field.
	Quantity   *int
	Variations []Variation
}

// AdjustmentMode selects between absolute and relative quantity changes.
type AdjustmentMode string

const (
	AdjustmentAbsolute AdjustmentMode = "absolute"
	AdjustmentRelative AdjustmentMode = "relative"
)

// Adjustment describes a requested quantity change for one SKU.
type Adjustment struct {
	Mode AdjustmentMode
	// Value is the target quantity for absolute mode and the purchased amount for relative mode.
	Value int
}

// Apply computes the new quantity for the given current value. Relative decrements never
// cross zero unless the current value was already negative.
func (a Adjustment) Apply(current int) int {
	if a.Mode == AdjustmentAbsolute {
		return a.Value
	}
	next := current - a.Value
	if next < 0 && current >= 0 {
		return 0
	}
	return next
}

// AdjustmentOutcome reports what happened to a single listing or variant.
type AdjustmentOutcome string

const (
	OutcomeUpdated AdjustmentOutcome = "updated"
	OutcomeSkipped AdjustmentOutcome = "skipped"
	OutcomeFailed  AdjustmentOutcome = "failed"
)

// AdjustmentResult is produced for every adjustment attempt and aggregated into reports.
type AdjustmentResult struct {
	AccountID        string            `json:"accountId"`
	Channel          Channel           `json:"channel"`
	ListingID        string            `json:"listingId,omitempty"`
	VariationID      string            `json:"variationId,omitempty"`
	SKU              string            `json:"sku"`
	PreviousQuantity *int              `json:"previousQuantity,omitempty"`
	NewQuantity      *int              `json:"newQuantity,omitempty"`
	Outcome          AdjustmentOutcome `json:"outcome"`
	Reason           string            `json:"reason,omitempty"`
	RemoteError      json.RawMessage   `json:"remoteError,omitempty"`
}

// StorefrontVariant is a product variant on the storefront channel.
type StorefrontVariant struct {
	ID                    string
	LegacyID              string
	SKU                   string
	Title                 string
	DisplayName           string
	InventoryQuantity     int
	InventoryItemID       string
	InventoryItemLegacyID string
	InventoryLevelID      string
}

// InventoryDelta is one entry of a storefront bulk adjustment.
type InventoryDelta struct {
	InventoryItemID string
	Delta           int
}

// InventoryLevel is the storefront's stock for an item at a location.
type InventoryLevel struct {
	ID        string
	Available int
}

// ProductInput creates a storefront product.
type ProductInput struct {
	Title           string
	DescriptionHTML string
	Vendor          string
	ProductType     string
	Tags            []string
	Variants        []ProductVariantInput
}

// ProductVariantInput describes a variant created alongside a product.
type ProductVariantInput struct {
	SKU               string
	Price             string
	InventoryQuantity int
}

// Product is the storefront's response to product creation.
type Product struct {
	ID    string
	Title string
}

// Question is an unanswered buyer question on a marketplace listing.
type Question struct {
	ID        string
	ListingID string
	Text      string
	Status    string
	CreatedAt string
}

// ListingPatch is the write-back payload for a marketplace listing. Exactly one of
// Quantity or Variations is sent.
type ListingPatch struct {
	Quantity   *int
	Variations []Variation
}

// ListingFilter narrows marketplace listing searches.
type ListingFilter struct {
	Status string
}
