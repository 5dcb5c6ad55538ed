package services

import (
	"context"

	domain "github.com/stocksync/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	ChannelAccount          = domain.ChannelAccount
	AdjustmentResult        = domain.AdjustmentResult
	MarketplaceNotification = domain.MarketplaceNotification
	StorefrontOrder         = domain.StorefrontOrder
	StoreSummary            = domain.StoreSummary
	Question                = domain.Question
	Product                 = domain.Product
	SystemHealthReport      = domain.SystemHealthReport
)

// MarketplaceAPI is the per-account marketplace client used by the engine.
type MarketplaceAPI interface {
	SearchListingsBySKU(ctx context.Context, sku string, filter domain.ListingFilter) ([]string, error)
	GetListing(ctx context.Context, id string) (domain.Listing, error)
	UpdateListing(ctx context.Context, id string, patch domain.ListingPatch) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetShipment(ctx context.Context, id string) (domain.Shipment, error)
	Me(ctx context.Context) (string, error)
	UnansweredQuestions(ctx context.Context) ([]domain.Question, error)
}

// StorefrontAPI is the per-shop storefront client used by the engine.
type StorefrontAPI interface {
	SearchVariantsBySKU(ctx context.Context, sku string) ([]domain.StorefrontVariant, error)
	SetInventoryLevel(ctx context.Context, inventoryItemLegacyID string, quantity int) error
	AdjustInventoryLevel(ctx context.Context, levelID string, delta int) (domain.InventoryLevel, error)
	BulkAdjustInventory(ctx context.Context, deltas []domain.InventoryDelta) error
	CreateProduct(ctx context.Context, input domain.ProductInput) (domain.Product, error)
	ShopName(ctx context.Context) (string, error)
}

// ClientFactory binds a fresh channel client to an account for one unit of work.
type ClientFactory interface {
	Marketplace(ctx context.Context, account domain.ChannelAccount) (MarketplaceAPI, error)
	Storefront(ctx context.Context, account domain.ChannelAccount) (StorefrontAPI, error)
}

// ReportSink receives finished reconciliation reports for archival.
type ReportSink interface {
	ArchiveReconciliation(ctx context.Context, report ReconciliationReport) error
	ArchiveInventorySet(ctx context.Context, report InventorySetReport) error
}

// ReconciliationService drives order events through the reconciliation state machine.
type ReconciliationService interface {
	HandleMarketplaceNotification(ctx context.Context, notification MarketplaceNotification) (ReconciliationReport, error)
	HandleStorefrontOrder(ctx context.Context, webhookKey string, order StorefrontOrder) (ReconciliationReport, error)
}

// InventoryService applies manual stock changes across every linked account.
type InventoryService interface {
	SetQuantity(ctx context.Context, cmd SetQuantityCommand) (InventorySetReport, error)
}

// StoreService manages linked channel accounts.
type StoreService interface {
	ListStores(ctx context.Context, tenantID string) ([]StoreSummary, error)
	LinkMarketplace(ctx context.Context, cmd LinkMarketplaceCommand) (StoreSummary, error)
	LinkStorefront(ctx context.Context, cmd LinkStorefrontCommand) (StoreSummary, error)
	Unlink(ctx context.Context, tenantID, accountID string) error
	ListQuestions(ctx context.Context, tenantID string) ([]AccountQuestions, error)
}

// CatalogService creates products on the storefront.
type CatalogService interface {
	CreateStorefrontProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SetQuantityCommand sets the absolute stock of a SKU on every channel.
type SetQuantityCommand struct {
	TenantID string
	SKU      string
	Quantity int
}

// LinkMarketplaceCommand links a marketplace seller through an OAuth authorization code.
type LinkMarketplaceCommand struct {
	TenantID    string
	SellerID    string
	Code        string
	RedirectURI string
}

// LinkStorefrontCommand links the tenant's shop with a static admin token.
type LinkStorefrontCommand struct {
	TenantID    string
	ShopDomain  string
	AccessToken string
	LocationID  string
}

// AccountQuestions groups unanswered questions per marketplace account.
type AccountQuestions struct {
	AccountID string            `json:"accountId"`
	SellerID  string            `json:"sellerId"`
	Questions []domain.Question `json:"questions"`
	Error     string            `json:"error,omitempty"`
}

// CreateProductCommand creates a product on the tenant's storefront.
type CreateProductCommand struct {
	TenantID string
	Input    domain.ProductInput
}
