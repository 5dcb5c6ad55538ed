package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stocksync/api/internal/channels/marketplace"
	"github.com/stocksync/api/internal/channels/storefront"
	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/repositories"
)

// BoundMarketplace pairs a marketplace account with its client.
type BoundMarketplace struct {
	Account domain.ChannelAccount
	Client  MarketplaceAPI
}

// BoundStorefront pairs the storefront account with its client.
type BoundStorefront struct {
	Account domain.ChannelAccount
	Client  StorefrontAPI
}

// UnavailableAccount records an account whose client could not be built.
type UnavailableAccount struct {
	Account domain.ChannelAccount
	Reason  string
}

// AccountSet is the live view of a tenant's accounts for one unit of work.
type AccountSet struct {
	TenantID    string
	Marketplace []BoundMarketplace
	Storefront  *BoundStorefront
	Unavailable []UnavailableAccount
}

// MarketplaceByExternalID returns the bound account for the seller id.
func (s *AccountSet) MarketplaceByExternalID(externalID string) (BoundMarketplace, bool) {
	if s == nil {
		return BoundMarketplace{}, false
	}
	for _, bound := range s.Marketplace {
		if bound.Account.ExternalAccountID == externalID {
			return bound, true
		}
	}
	return BoundMarketplace{}, false
}

// AccountRegistryDeps bundles the collaborators of the registry.
type AccountRegistryDeps struct {
	Accounts repositories.AccountRepository
	Clients  ClientFactory
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// AccountRegistry loads tenant accounts and binds clients. Every Load returns fresh state; nothing
// is shared between calls.
type AccountRegistry struct {
	accounts repositories.AccountRepository
	clients  ClientFactory
	logger   func(context.Context, string, map[string]any)
}

// NewAccountRegistry constructs an AccountRegistry.
func NewAccountRegistry(deps AccountRegistryDeps) (*AccountRegistry, error) {
	if deps.Accounts == nil {
		return nil, errors.New("account registry: account repository is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("account registry: client factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &AccountRegistry{accounts: deps.Accounts, clients: deps.Clients, logger: logger}, nil
}

// Load reads the tenant's active accounts and binds a client to each.
func (r *AccountRegistry) Load(ctx context.Context, tenantID string) (*AccountSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("account registry: tenant id is required")
	}
	accounts, err := r.accounts.ListByTenant(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("account registry: list accounts: %w", err)
	}

	set := &AccountSet{TenantID: tenantID}
	for _, account := range accounts {
		if !account.Active() {
			continue
		}
		switch account.Channel {
		case domain.ChannelMarketplace:
			client, err := r.clients.Marketplace(ctx, account)
			if err != nil {
				r.unavailable(ctx, set, account, err)
				continue
			}
			set.Marketplace = append(set.Marketplace, BoundMarketplace{Account: account, Client: client})
		case domain.ChannelStorefront:
			if set.Storefront != nil {
				r.unavailable(ctx, set, account, errors.New("tenant already has a storefront account"))
				continue
			}
			client, err := r.clients.Storefront(ctx, account)
			if err != nil {
				r.unavailable(ctx, set, account, err)
				continue
			}
			set.Storefront = &BoundStorefront{Account: account, Client: client}
		}
	}
	return set, nil
}

func (r *AccountRegistry) unavailable(ctx context.Context, set *AccountSet, account domain.ChannelAccount, err error) {
	r.logger(ctx, "accounts.client_unavailable", map[string]any{
		"accountId": account.ID,
		"channel":   string(account.Channel),
		"error":     err.Error(),
	})
	set.Unavailable = append(set.Unavailable, UnavailableAccount{Account: account, Reason: err.Error()})
}

// ChannelClientFactoryDeps configures the production client factory.
type ChannelClientFactoryDeps struct {
	Marketplace marketplace.Config
	OAuth       *marketplace.OAuth
	Storefront  storefront.Config
	Accounts    repositories.AccountRepository
	Clock       func() time.Time
}

type channelClientFactory struct {
	marketplace marketplace.Config
	oauth       *marketplace.OAuth
	storefront  storefront.Config
	accounts    repositories.AccountRepository
	clock       func() time.Time
}

// NewChannelClientFactory builds clients for real channel APIs. Refreshed marketplace tokens are
// written back through the account repository.
func NewChannelClientFactory(deps ChannelClientFactoryDeps) (ClientFactory, error) {
	if deps.Accounts == nil {
		return nil, errors.New("client factory: account repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &channelClientFactory{
		marketplace: deps.Marketplace,
		oauth:       deps.OAuth,
		storefront:  deps.Storefront,
		accounts:    deps.Accounts,
		clock:       clock,
	}, nil
}

func (f *channelClientFactory) Marketplace(_ context.Context, account domain.ChannelAccount) (MarketplaceAPI, error) {
	accountID := account.ID
	sink := func(ctx context.Context, creds domain.Credentials) error {
		return f.accounts.UpdateCredentials(ctx, accountID, creds, f.clock().UTC())
	}
	client, err := marketplace.NewClient(f.marketplace, f.oauth, account, sink)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (f *channelClientFactory) Storefront(_ context.Context, account domain.ChannelAccount) (StorefrontAPI, error) {
	client, err := storefront.NewClient(f.storefront, account)
	if err != nil {
		return nil, err
	}
	return client, nil
}
