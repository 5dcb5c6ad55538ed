package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/stocksync/api/internal/channels"
	domain "github.com/stocksync/api/internal/domain"
)

const (
	metricNamespace    = "github.com/stocksync/api/services"
	defaultFanOutLimit = 8

	reasonFulfillment     = "fulfillment-managed"
	reasonNoStockField    = "no stock field"
	reasonNoListings      = "no listings for sku"
	reasonNoVariants      = "no variants for sku"
	reasonSameStoreSingle = "only one listing, same store"
	reasonSKUNotInListing = "sku not found in listing variations"
	reasonNotStocked      = "variant not stocked at location"
	reasonOnlyOrdered     = "only variant is the ordered one"
	reasonNoChange        = "quantity unchanged"
)

// catalogLinkageFields are variation attributes the marketplace rejects on write-back.
var catalogLinkageFields = []string{"catalog_product_id", "inventory_id"}

// AdjustmentEngineDeps bundles the collaborators of the adjustment engine.
type AdjustmentEngineDeps struct {
	Resolver    *SKUResolver
	FanOutLimit int
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// AdjustmentEngine mutates listing stock and reports per-listing outcomes. Its methods never return
// errors: every failure becomes a failed AdjustmentResult so sibling updates proceed.
type AdjustmentEngine struct {
	resolver *SKUResolver
	limit    int
	logger   func(context.Context, string, map[string]any)

	adjustments        metric.Int64Counter
	adjustmentsEnabled bool
}

// StorefrontAdjustOptions tunes storefront adjustments.
type StorefrontAdjustOptions struct {
	// ExcludeVariantID is the legacy id of the variant an order was placed for.
	ExcludeVariantID string
	// Bulk applies relative changes through one bulk call at the shop location.
	Bulk bool
}

// NewAdjustmentEngine constructs the engine.
func NewAdjustmentEngine(deps AdjustmentEngineDeps) (*AdjustmentEngine, error) {
	if deps.Resolver == nil {
		return nil, errors.New("adjustment engine: sku resolver is required")
	}
	limit := deps.FanOutLimit
	if limit <= 0 {
		limit = defaultFanOutLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	counter, err := meter.Int64Counter(
		"stocksync.adjustments",
		metric.WithDescription("Inventory adjustment outcomes by channel"),
	)
	if err != nil {
		logger(context.Background(), "adjustments.metrics_disabled", map[string]any{
			"instrument": "stocksync.adjustments",
			"error":      err.Error(),
		})
	}
	return &AdjustmentEngine{
		resolver:           deps.Resolver,
		limit:              limit,
		logger:             logger,
		adjustments:        counter,
		adjustmentsEnabled: err == nil,
	}, nil
}

// AdjustMarketplace applies adj to every listing carrying sku on the account. When excludeListingID
// names the listing an order was placed on, that listing is left alone: a lone match is skipped
// entirely, otherwise only that listing is dropped from the update set.
func (e *AdjustmentEngine) AdjustMarketplace(ctx context.Context, bound BoundMarketplace, sku string, adj domain.Adjustment, excludeListingID string) []domain.AdjustmentResult {
	base := domain.AdjustmentResult{AccountID: bound.Account.ID, Channel: domain.ChannelMarketplace, SKU: sku}

	listings, err := e.resolver.FindListings(ctx, bound.Client, sku)
	if err != nil {
		return e.record(ctx, failed(base, "listing search failed", err))
	}
	if len(listings) == 0 {
		return e.record(ctx, skipped(base, reasonNoListings))
	}

	if exclude := strings.TrimSpace(excludeListingID); exclude != "" {
		if len(listings) == 1 && listings[0] == exclude {
			base.ListingID = exclude
			return e.record(ctx, skipped(base, reasonSameStoreSingle))
		}
		kept := listings[:0:0]
		for _, id := range listings {
			if id != exclude {
				kept = append(kept, id)
			}
		}
		listings = kept
	}

	return fanOut(ctx, e.limit, len(listings), func(ctx context.Context, i int) []domain.AdjustmentResult {
		return e.AdjustListing(ctx, bound, listings[i], sku, adj)
	})
}

// AdjustListing applies adj to one marketplace listing.
func (e *AdjustmentEngine) AdjustListing(ctx context.Context, bound BoundMarketplace, listingID, sku string, adj domain.Adjustment) []domain.AdjustmentResult {
	base := domain.AdjustmentResult{
		AccountID: bound.Account.ID,
		Channel:   domain.ChannelMarketplace,
		ListingID: listingID,
		SKU:       sku,
	}

	listing, err := bound.Client.GetListing(ctx, listingID)
	if err != nil {
		return e.record(ctx, failed(base, "listing fetch failed", err))
	}
	if listing.Fulfillment {
		return e.record(ctx, skipped(base, reasonFulfillment))
	}

	switch listing.Kind {
	case domain.ListingKindVariations:
		return e.record(ctx, e.adjustVariations(ctx, bound.Client, base, listing, adj)...)
	default:
		if listing.Quantity == nil {
			return e.record(ctx, skipped(base, reasonNoStockField))
		}
		previous := *listing.Quantity
		next := adj.Apply(previous)
		if err := bound.Client.UpdateListing(ctx, listingID, domain.ListingPatch{Quantity: &next}); err != nil {
			result := failed(base, "listing update failed", err)
			result.PreviousQuantity = intPtr(previous)
			return e.record(ctx, result)
		}
		return e.record(ctx, updated(base, previous, next))
	}
}

func (e *AdjustmentEngine) adjustVariations(ctx context.Context, client MarketplaceAPI, base domain.AdjustmentResult, listing domain.Listing, adj domain.Adjustment) []domain.AdjustmentResult {
	variations := make([]domain.Variation, len(listing.Variations))
	var results []domain.AdjustmentResult
	for i, variation := range listing.Variations {
		variation.Fields = stripCatalogLinkage(variation.Fields)
		if domain.SameSKU(variation.SKU, base.SKU) {
			result := base
			result.VariationID = variation.ID
			previous := variation.Quantity
			variation.Quantity = adj.Apply(previous)
			results = append(results, updated(result, previous, variation.Quantity))
		}
		variations[i] = variation
	}
	if len(results) == 0 {
		return []domain.AdjustmentResult{skipped(base, reasonSKUNotInListing)}
	}

	if err := client.UpdateListing(ctx, listing.ID, domain.ListingPatch{Variations: variations}); err != nil {
		for i := range results {
			previous := results[i].PreviousQuantity
			results[i] = failed(results[i], "listing update failed", err)
			results[i].PreviousQuantity = previous
		}
	}
	return results
}

// AdjustStorefront applies adj to the storefront variants carrying sku.
func (e *AdjustmentEngine) AdjustStorefront(ctx context.Context, bound BoundStorefront, sku string, adj domain.Adjustment, opts StorefrontAdjustOptions) []domain.AdjustmentResult {
	base := domain.AdjustmentResult{AccountID: bound.Account.ID, Channel: domain.ChannelStorefront, SKU: sku}

	variants, err := e.resolver.FindVariants(ctx, bound.Client, sku)
	if err != nil {
		return e.record(ctx, failed(base, "variant search failed", err))
	}
	if len(variants) == 0 {
		return e.record(ctx, skipped(base, reasonNoVariants))
	}
	if exclude := strings.TrimSpace(opts.ExcludeVariantID); exclude != "" {
		kept := variants[:0:0]
		for _, variant := range variants {
			if variant.LegacyID != exclude {
				kept = append(kept, variant)
			}
		}
		if len(kept) == 0 {
			base.ListingID = variants[0].ID
			return e.record(ctx, skipped(base, reasonOnlyOrdered))
		}
		variants = kept
	}

	if adj.Mode == domain.AdjustmentRelative && opts.Bulk {
		return e.record(ctx, e.bulkAdjust(ctx, bound.Client, base, variants, adj)...)
	}
	return fanOut(ctx, e.limit, len(variants), func(ctx context.Context, i int) []domain.AdjustmentResult {
		return e.record(ctx, e.adjustVariant(ctx, bound.Client, base, variants[i], adj))
	})
}

func (e *AdjustmentEngine) adjustVariant(ctx context.Context, client StorefrontAPI, base domain.AdjustmentResult, variant domain.StorefrontVariant, adj domain.Adjustment) domain.AdjustmentResult {
	base.ListingID = variant.ID
	base.VariationID = variant.InventoryItemID
	previous := variant.InventoryQuantity
	next := adj.Apply(previous)

	if adj.Mode == domain.AdjustmentAbsolute {
		if err := client.SetInventoryLevel(ctx, variant.InventoryItemLegacyID, next); err != nil {
			result := failed(base, "inventory set failed", err)
			result.PreviousQuantity = intPtr(previous)
			return result
		}
		return updated(base, previous, next)
	}

	if variant.InventoryLevelID == "" {
		return skipped(base, reasonNotStocked)
	}
	delta := next - previous
	if delta == 0 {
		return skipped(base, reasonNoChange)
	}
	level, err := client.AdjustInventoryLevel(ctx, variant.InventoryLevelID, delta)
	if err != nil {
		result := failed(base, "inventory adjust failed", err)
		result.PreviousQuantity = intPtr(previous)
		return result
	}
	if level.ID != "" {
		next = level.Available
	}
	return updated(base, previous, next)
}

func (e *AdjustmentEngine) bulkAdjust(ctx context.Context, client StorefrontAPI, base domain.AdjustmentResult, variants []domain.StorefrontVariant, adj domain.Adjustment) []domain.AdjustmentResult {
	results := make([]domain.AdjustmentResult, 0, len(variants))
	deltas := make([]domain.InventoryDelta, 0, len(variants))
	pending := make([]int, 0, len(variants))
	for _, variant := range variants {
		result := base
		result.ListingID = variant.ID
		result.VariationID = variant.InventoryItemID
		previous := variant.InventoryQuantity
		next := adj.Apply(previous)
		if next == previous {
			results = append(results, skipped(result, reasonNoChange))
			continue
		}
		deltas = append(deltas, domain.InventoryDelta{InventoryItemID: variant.InventoryItemID, Delta: next - previous})
		pending = append(pending, len(results))
		results = append(results, updated(result, previous, next))
	}
	if len(deltas) == 0 {
		return results
	}
	if err := client.BulkAdjustInventory(ctx, deltas); err != nil {
		for _, idx := range pending {
			previous := results[idx].PreviousQuantity
			results[idx] = failed(results[idx], "inventory bulk adjust failed", err)
			results[idx].PreviousQuantity = previous
		}
	}
	return results
}

func (e *AdjustmentEngine) record(ctx context.Context, results ...domain.AdjustmentResult) []domain.AdjustmentResult {
	for _, result := range results {
		if e.adjustmentsEnabled {
			e.adjustments.Add(ctx, 1, metric.WithAttributes(
				attribute.String("channel", string(result.Channel)),
				attribute.String("outcome", string(result.Outcome)),
			))
		}
		if result.Outcome == domain.OutcomeFailed {
			e.logger(ctx, "inventory.adjustment.failed", map[string]any{
				"accountId": result.AccountID,
				"channel":   string(result.Channel),
				"listingId": result.ListingID,
				"sku":       result.SKU,
				"reason":    result.Reason,
			})
		}
	}
	return results
}

// fanOut runs fn for every index concurrently, bounded by limit, and concatenates the results in
// index order. Branches cannot fail, so one branch never cancels another.
func fanOut[T any](ctx context.Context, limit, n int, fn func(ctx context.Context, i int) []T) []T {
	if n == 0 {
		return nil
	}
	buckets := make([][]T, n)
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			buckets[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	var out []T
	for _, bucket := range buckets {
		out = append(out, bucket...)
	}
	return out
}

func stripCatalogLinkage(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if fields == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	for _, key := range catalogLinkageFields {
		delete(out, key)
	}
	return out
}

func updated(result domain.AdjustmentResult, previous, next int) domain.AdjustmentResult {
	result.Outcome = domain.OutcomeUpdated
	result.PreviousQuantity = intPtr(previous)
	result.NewQuantity = intPtr(next)
	result.Reason = ""
	return result
}

func skipped(result domain.AdjustmentResult, reason string) domain.AdjustmentResult {
	result.Outcome = domain.OutcomeSkipped
	result.Reason = reason
	return result
}

func failed(result domain.AdjustmentResult, reason string, err error) domain.AdjustmentResult {
	result.Outcome = domain.OutcomeFailed
	result.Reason = reason
	result.NewQuantity = nil
	result.RemoteError = channels.Payload(err)
	return result
}

func intPtr(v int) *int {
	return &v
}
