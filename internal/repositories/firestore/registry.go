package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/stocksync/api/internal/platform/firestore"
	"github.com/stocksync/api/internal/repositories"
)

// Registry exposes the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider        *pfirestore.Provider
	accounts        *AccountRepository
	processedOrders *ProcessedOrderRepository
	tenants         *TenantRepository
	health          repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on top of the shared provider. health may be nil.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	accounts, err := NewAccountRepository(provider)
	if err != nil {
		return nil, err
	}
	processed, err := NewProcessedOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	tenants, err := NewTenantRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:        provider,
		accounts:        accounts,
		processedOrders: processed,
		tenants:         tenants,
		health:          health,
	}, nil
}

func (r *Registry) Accounts() repositories.AccountRepository               { return r.accounts }
func (r *Registry) ProcessedOrders() repositories.ProcessedOrderRepository { return r.processedOrders }
func (r *Registry) Tenants() repositories.TenantRepository                 { return r.tenants }
func (r *Registry) Health() repositories.HealthRepository                  { return r.health }

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
