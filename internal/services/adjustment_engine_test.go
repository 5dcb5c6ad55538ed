package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stocksync/api/internal/channels"
	domain "github.com/stocksync/api/internal/domain"
)

type stubMarketplace struct {
	mu sync.Mutex

	searchFn    func(ctx context.Context, sku string, filter domain.ListingFilter) ([]string, error)
	getFn       func(ctx context.Context, id string) (domain.Listing, error)
	updateFn    func(ctx context.Context, id string, patch domain.ListingPatch) error
	orderFn     func(ctx context.Context, id string) (domain.Order, error)
	shipmentFn  func(ctx context.Context, id string) (domain.Shipment, error)
	meFn        func(ctx context.Context) (string, error)
	questionsFn func(ctx context.Context) ([]domain.Question, error)

	updates map[string]domain.ListingPatch
}

func (s *stubMarketplace) SearchListingsBySKU(ctx context.Context, sku string, filter domain.ListingFilter) ([]string, error) {
	if s.searchFn == nil {
		return nil, nil
	}
	return s.searchFn(ctx, sku, filter)
}

func (s *stubMarketplace) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	if s.getFn == nil {
		return domain.Listing{}, errors.New("unexpected GetListing")
	}
	return s.getFn(ctx, id)
}

func (s *stubMarketplace) UpdateListing(ctx context.Context, id string, patch domain.ListingPatch) error {
	s.mu.Lock()
	if s.updates == nil {
		s.updates = map[string]domain.ListingPatch{}
	}
	s.updates[id] = patch
	s.mu.Unlock()
	if s.updateFn == nil {
		return nil
	}
	return s.updateFn(ctx, id, patch)
}

func (s *stubMarketplace) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if s.orderFn == nil {
		return domain.Order{}, errors.New("unexpected GetOrder")
	}
	return s.orderFn(ctx, id)
}

func (s *stubMarketplace) GetShipment(ctx context.Context, id string) (domain.Shipment, error) {
	if s.shipmentFn == nil {
		return domain.Shipment{ID: id}, nil
	}
	return s.shipmentFn(ctx, id)
}

func (s *stubMarketplace) Me(ctx context.Context) (string, error) {
	if s.meFn == nil {
		return "seller", nil
	}
	return s.meFn(ctx)
}

func (s *stubMarketplace) UnansweredQuestions(ctx context.Context) ([]domain.Question, error) {
	if s.questionsFn == nil {
		return nil, nil
	}
	return s.questionsFn(ctx)
}

func (s *stubMarketplace) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type stubStorefront struct {
	mu sync.Mutex

	variants []domain.StorefrontVariant
	shopName string

	searchErr error
	setErr    error
	adjustErr error
	bulkErr   error

	sets    map[string]int
	adjusts map[string]int
	bulk    [][]domain.InventoryDelta
	created []domain.ProductInput
}

func (s *stubStorefront) SearchVariantsBySKU(context.Context, string) ([]domain.StorefrontVariant, error) {
	return s.variants, s.searchErr
}

func (s *stubStorefront) SetInventoryLevel(_ context.Context, itemID string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets == nil {
		s.sets = map[string]int{}
	}
	s.sets[itemID] = quantity
	return s.setErr
}

func (s *stubStorefront) AdjustInventoryLevel(_ context.Context, levelID string, delta int) (domain.InventoryLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjusts == nil {
		s.adjusts = map[string]int{}
	}
	s.adjusts[levelID] += delta
	return domain.InventoryLevel{}, s.adjustErr
}

func (s *stubStorefront) BulkAdjustInventory(_ context.Context, deltas []domain.InventoryDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = append(s.bulk, deltas)
	return s.bulkErr
}

func (s *stubStorefront) CreateProduct(_ context.Context, input domain.ProductInput) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, input)
	return domain.Product{ID: "gid://shopify/Product/1", Title: input.Title}, nil
}

func (s *stubStorefront) ShopName(context.Context) (string, error) {
	return s.shopName, nil
}

func newTestEngine(t *testing.T) *AdjustmentEngine {
	t.Helper()
	engine, err := NewAdjustmentEngine(AdjustmentEngineDeps{Resolver: NewSKUResolver(SKUResolverDeps{})})
	if err != nil {
		t.Fatalf("NewAdjustmentEngine: %v", err)
	}
	return engine
}

func marketplaceAccount(id, seller string) domain.ChannelAccount {
	return domain.ChannelAccount{
		ID:                id,
		TenantID:          "tenant-1",
		Channel:           domain.ChannelMarketplace,
		ExternalAccountID: seller,
		Status:            domain.AccountStatusActive,
	}
}

func simpleListing(id string, qty int) domain.Listing {
	return domain.Listing{ID: id, Kind: domain.ListingKindSimple, Status: "active", Quantity: intPtr(qty)}
}

func TestAdjustListingTargetsMatchingVariationOnly(t *testing.T) {
	client := &stubMarketplace{
		getFn: func(context.Context, string) (domain.Listing, error) {
			return domain.Listing{
				ID:   "L1",
				Kind: domain.ListingKindVariations,
				Variations: []domain.Variation{
					{ID: "v1", SKU: "X", Quantity: 10, Fields: map[string]json.RawMessage{
						"id":                 json.RawMessage(`1`),
						"catalog_product_id": json.RawMessage(`"C1"`),
					}},
					{ID: "v2", SKU: "Y", Quantity: 5, Fields: map[string]json.RawMessage{
						"id":           json.RawMessage(`2`),
						"inventory_id": json.RawMessage(`"I2"`),
					}},
				},
			}, nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustListing(context.Background(), bound, "L1", "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 3})

	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Outcome != domain.OutcomeUpdated || *results[0].PreviousQuantity != 10 || *results[0].NewQuantity != 7 {
		t.Fatalf("unexpected result %+v", results[0])
	}
	patch := client.updates["L1"]
	if len(patch.Variations) != 2 {
		t.Fatalf("expected full variation array, got %d", len(patch.Variations))
	}
	if patch.Variations[0].Quantity != 7 || patch.Variations[1].Quantity != 5 {
		t.Fatalf("unexpected quantities %+v", patch.Variations)
	}
	for _, v := range patch.Variations {
		if _, ok := v.Fields["catalog_product_id"]; ok {
			t.Fatalf("catalog linkage must be stripped: %+v", v.Fields)
		}
		if _, ok := v.Fields["inventory_id"]; ok {
			t.Fatalf("inventory linkage must be stripped: %+v", v.Fields)
		}
	}
}

func TestAdjustListingSkipsFulfillment(t *testing.T) {
	client := &stubMarketplace{
		getFn: func(context.Context, string) (domain.Listing, error) {
			listing := simpleListing("L1", 4)
			listing.Fulfillment = true
			return listing, nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustListing(context.Background(), bound, "L1", "X", domain.Adjustment{Mode: domain.AdjustmentAbsolute, Value: 9})

	if len(results) != 1 || results[0].Outcome != domain.OutcomeSkipped || results[0].Reason != reasonFulfillment {
		t.Fatalf("expected fulfillment skip, got %+v", results)
	}
	if client.updateCount() != 0 {
		t.Fatalf("fulfillment listing must not be written")
	}
}

func TestAdjustListingSkipsWithoutStockField(t *testing.T) {
	client := &stubMarketplace{
		getFn: func(context.Context, string) (domain.Listing, error) {
			return domain.Listing{ID: "L1", Kind: domain.ListingKindSimple}, nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustListing(context.Background(), bound, "L1", "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 1})
	if results[0].Outcome != domain.OutcomeSkipped || results[0].Reason != reasonNoStockField {
		t.Fatalf("unexpected result %+v", results[0])
	}
}

func TestAdjustMarketplaceIsolatesFailures(t *testing.T) {
	client := &stubMarketplace{
		searchFn: func(_ context.Context, sku string, filter domain.ListingFilter) ([]string, error) {
			if filter.Status != "active" {
				t.Errorf("expected active filter, got %q", filter.Status)
			}
			return []string{"L1", "L2", "L3", "L2"}, nil
		},
		getFn: func(_ context.Context, id string) (domain.Listing, error) {
			return simpleListing(id, 5), nil
		},
		updateFn: func(_ context.Context, id string, _ domain.ListingPatch) error {
			if id == "L2" {
				return &channels.RemoteError{Op: "marketplace.update_listing", Status: 400, Body: json.RawMessage(`{"message":"bad"}`)}
			}
			return nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustMarketplace(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentAbsolute, Value: 9}, "")

	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	wantIDs := []string{"L1", "L2", "L3"}
	for i, result := range results {
		if result.ListingID != wantIDs[i] {
			t.Fatalf("results out of order: %+v", results)
		}
	}
	if results[0].Outcome != domain.OutcomeUpdated || results[2].Outcome != domain.OutcomeUpdated {
		t.Fatalf("siblings must still be updated: %+v", results)
	}
	if results[1].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected L2 to fail, got %+v", results[1])
	}
	if string(results[1].RemoteError) != `{"message":"bad"}` {
		t.Fatalf("remote error body must be kept verbatim, got %s", results[1].RemoteError)
	}
}

func TestAdjustMarketplaceSameStoreSingleListing(t *testing.T) {
	client := &stubMarketplace{
		searchFn: func(context.Context, string, domain.ListingFilter) ([]string, error) {
			return []string{"L1"}, nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustMarketplace(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 1}, "L1")

	if len(results) != 1 || results[0].Reason != reasonSameStoreSingle {
		t.Fatalf("expected same store skip, got %+v", results)
	}
	if client.updateCount() != 0 {
		t.Fatalf("no writes expected")
	}
}

func TestAdjustMarketplaceExcludesOrderedListing(t *testing.T) {
	client := &stubMarketplace{
		searchFn: func(context.Context, string, domain.ListingFilter) ([]string, error) {
			return []string{"L1", "L2"}, nil
		},
		getFn: func(_ context.Context, id string) (domain.Listing, error) {
			return simpleListing(id, 1), nil
		},
	}
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: client}

	results := engine.AdjustMarketplace(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 3}, "L1")

	if len(results) != 1 || results[0].ListingID != "L2" {
		t.Fatalf("expected only L2 adjusted, got %+v", results)
	}
	if *results[0].NewQuantity != 0 {
		t.Fatalf("relative decrement must clamp at zero, got %d", *results[0].NewQuantity)
	}
}

func TestAdjustMarketplaceNoListings(t *testing.T) {
	engine := newTestEngine(t)
	bound := BoundMarketplace{Account: marketplaceAccount("marketplace:1", "1"), Client: &stubMarketplace{}}

	results := engine.AdjustMarketplace(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentAbsolute, Value: 1}, "")
	if len(results) != 1 || results[0].Outcome != domain.OutcomeSkipped || results[0].Reason != reasonNoListings {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestAdjustStorefrontBulkExcludesOrderedVariant(t *testing.T) {
	client := &stubStorefront{variants: []domain.StorefrontVariant{
		{ID: "gid://shopify/ProductVariant/1", LegacyID: "1", SKU: "X", InventoryQuantity: 4, InventoryItemID: "gid://shopify/InventoryItem/11"},
		{ID: "gid://shopify/ProductVariant/2", LegacyID: "2", SKU: "X", InventoryQuantity: 6, InventoryItemID: "gid://shopify/InventoryItem/12"},
		{ID: "gid://shopify/ProductVariant/3", LegacyID: "3", SKU: "X-LARGE", InventoryQuantity: 6, InventoryItemID: "gid://shopify/InventoryItem/13"},
	}}
	engine := newTestEngine(t)
	bound := BoundStorefront{Account: domain.ChannelAccount{ID: "storefront:key", Channel: domain.ChannelStorefront}, Client: client}

	results := engine.AdjustStorefront(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 2}, StorefrontAdjustOptions{ExcludeVariantID: "1", Bulk: true})

	if len(results) != 1 || results[0].Outcome != domain.OutcomeUpdated || *results[0].NewQuantity != 4 {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(client.bulk) != 1 || len(client.bulk[0]) != 1 {
		t.Fatalf("expected one bulk call with one delta, got %+v", client.bulk)
	}
	if client.bulk[0][0] != (domain.InventoryDelta{InventoryItemID: "gid://shopify/InventoryItem/12", Delta: -2}) {
		t.Fatalf("unexpected delta %+v", client.bulk[0][0])
	}
}

func TestAdjustStorefrontBulkFailureMarksAllFailed(t *testing.T) {
	client := &stubStorefront{
		variants: []domain.StorefrontVariant{
			{ID: "v1", LegacyID: "1", SKU: "X", InventoryQuantity: 4, InventoryItemID: "i1"},
			{ID: "v2", LegacyID: "2", SKU: "X", InventoryQuantity: 0, InventoryItemID: "i2"},
		},
		bulkErr: errors.New("throttled"),
	}
	engine := newTestEngine(t)
	bound := BoundStorefront{Account: domain.ChannelAccount{ID: "storefront:key", Channel: domain.ChannelStorefront}, Client: client}

	results := engine.AdjustStorefront(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 1}, StorefrontAdjustOptions{Bulk: true})

	if len(results) != 2 {
		t.Fatalf("expected two results, got %+v", results)
	}
	if results[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failure, got %+v", results[0])
	}
	if results[1].Outcome != domain.OutcomeSkipped || results[1].Reason != reasonNoChange {
		t.Fatalf("zero stock stays unchanged, got %+v", results[1])
	}
}

func TestAdjustStorefrontOnlyOrderedVariant(t *testing.T) {
	client := &stubStorefront{variants: []domain.StorefrontVariant{{ID: "v1", LegacyID: "1", SKU: "X", InventoryLevelID: "lvl"}}}
	engine := newTestEngine(t)
	bound := BoundStorefront{Account: domain.ChannelAccount{ID: "storefront:key", Channel: domain.ChannelStorefront}, Client: client}

	results := engine.AdjustStorefront(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 1}, StorefrontAdjustOptions{ExcludeVariantID: "1"})

	if len(results) != 1 || results[0].Reason != reasonOnlyOrdered {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(client.adjusts) != 0 {
		t.Fatalf("no adjustments expected")
	}
}

func TestAdjustStorefrontAbsoluteSetsLevel(t *testing.T) {
	client := &stubStorefront{variants: []domain.StorefrontVariant{
		{ID: "v1", LegacyID: "1", SKU: "X", InventoryQuantity: 2, InventoryItemLegacyID: "11"},
	}}
	engine := newTestEngine(t)
	bound := BoundStorefront{Account: domain.ChannelAccount{ID: "storefront:key", Channel: domain.ChannelStorefront}, Client: client}

	results := engine.AdjustStorefront(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentAbsolute, Value: 12}, StorefrontAdjustOptions{})

	if len(results) != 1 || results[0].Outcome != domain.OutcomeUpdated {
		t.Fatalf("unexpected results %+v", results)
	}
	if client.sets["11"] != 12 {
		t.Fatalf("expected level set to 12, got %+v", client.sets)
	}
}

func TestAdjustStorefrontRelativeRequiresStockedLevel(t *testing.T) {
	client := &stubStorefront{variants: []domain.StorefrontVariant{
		{ID: "v1", LegacyID: "1", SKU: "X", InventoryQuantity: 2},
		{ID: "v2", LegacyID: "2", SKU: "X", InventoryQuantity: 5, InventoryLevelID: "lvl-2"},
	}}
	engine := newTestEngine(t)
	bound := BoundStorefront{Account: domain.ChannelAccount{ID: "storefront:key", Channel: domain.ChannelStorefront}, Client: client}

	results := engine.AdjustStorefront(context.Background(), bound, "X", domain.Adjustment{Mode: domain.AdjustmentRelative, Value: 2}, StorefrontAdjustOptions{})

	if len(results) != 2 {
		t.Fatalf("expected two results, got %+v", results)
	}
	if results[0].Reason != reasonNotStocked {
		t.Fatalf("expected not stocked skip, got %+v", results[0])
	}
	if client.adjusts["lvl-2"] != -2 || *results[1].NewQuantity != 3 {
		t.Fatalf("unexpected adjust %+v %+v", client.adjusts, results[1])
	}
}
