package repositories

import (
	"context"
	"time"

	domain "github.com/stocksync/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Accounts() AccountRepository
	ProcessedOrders() ProcessedOrderRepository
	Tenants() TenantRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// AccountRepository persists linked channel accounts.
type AccountRepository interface {
	// ListByTenant returns the tenant's accounts; inactive accounts are included only when requested.
	ListByTenant(ctx context.Context, tenantID string, includeInactive bool) ([]domain.ChannelAccount, error)
	Get(ctx context.Context, accountID string) (domain.ChannelAccount, error)
	FindByExternalID(ctx context.Context, channel domain.Channel, externalID string) (domain.ChannelAccount, bool, error)
	FindByWebhookKey(ctx context.Context, webhookKey string) (domain.ChannelAccount, bool, error)
	// Create fails with a conflict error when an account with the same channel and external id exists.
	Create(ctx context.Context, account domain.ChannelAccount) error
	Reactivate(ctx context.Context, account domain.ChannelAccount) error
	UpdateCredentials(ctx context.Context, accountID string, creds domain.Credentials, updatedAt time.Time) error
	Deactivate(ctx context.Context, accountID string, updatedAt time.Time) error
}

// ProcessedOrderClaim describes a pending claim on an order.
type ProcessedOrderClaim struct {
	AccountID      string
	OrderID        string
	Channel        domain.Channel
	RunID          string
	OrderCreatedAt time.Time
	ClaimedAt      time.Time
	Lease          time.Duration
	TTL            time.Duration
}

// ProcessedOrderRepository is the idempotency store for order reconciliation.
type ProcessedOrderRepository interface {
	// Find reports whether a record exists; absence is not an error.
	Find(ctx context.Context, accountID, orderID string) (domain.ProcessedOrder, bool, error)
	// Claim conditionally creates a pending record. It returns ErrAlreadyProcessed when a processed
	// record, an attempted claim or an unexpired pending claim exists.
	Claim(ctx context.Context, claim ProcessedOrderClaim) (domain.ProcessedOrder, error)
	// MarkAttempted moves runID's pending claim to the attempted state, after which it blocks
	// every other claim until recorded or expired by TTL. It returns ErrAlreadyProcessed when
	// runID no longer holds the claim.
	MarkAttempted(ctx context.Context, accountID, orderID, runID string) error
	// Record marks the order as processed.
	Record(ctx context.Context, record domain.ProcessedOrder) error
	// Release drops a pending claim held by runID so redelivery can retry.
	Release(ctx context.Context, accountID, orderID, runID string) error
}

// TenantRepository persists tenant-level synchronisation settings.
type TenantRepository interface {
	Get(ctx context.Context, tenantID string) (domain.TenantProfile, bool, error)
	// Ensure creates the tenant profile when missing and returns the stored profile.
	Ensure(ctx context.Context, tenantID string, now time.Time) (domain.TenantProfile, error)
	UpdateLastIntegration(ctx context.Context, tenantID string, at time.Time) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
