package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stocksync/api/internal/channels/marketplace"
	domain "github.com/stocksync/api/internal/domain"
)

func TestAccountRegistryLoadBindsActiveAccounts(t *testing.T) {
	inactive := marketplaceAccount("marketplace:3", "3")
	inactive.Status = domain.AccountStatusInactive
	foreign := marketplaceAccount("marketplace:9", "9")
	foreign.TenantID = "tenant-2"
	broken := marketplaceAccount("marketplace:2", "2")
	storefront := domain.ChannelAccount{ID: "storefront:s", TenantID: "tenant-1", Channel: domain.ChannelStorefront, Status: domain.AccountStatusActive}
	repo := newMemoryAccountRepository(marketplaceAccount("marketplace:1", "1"), broken, inactive, foreign, storefront)

	var events []string
	factory := &stubClientFactory{
		storefront: &stubStorefront{},
		marketplaceFn: func(account domain.ChannelAccount) (MarketplaceAPI, error) {
			if account.ID == broken.ID {
				return nil, errors.New("marketplace: refresh token missing")
			}
			return &stubMarketplace{}, nil
		},
	}
	registry, err := NewAccountRegistry(AccountRegistryDeps{
		Accounts: repo,
		Clients:  factory,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("NewAccountRegistry: %v", err)
	}

	set, err := registry.Load(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set.Marketplace) != 1 || set.Marketplace[0].Account.ID != "marketplace:1" {
		t.Fatalf("unexpected marketplace accounts %+v", set.Marketplace)
	}
	if set.Storefront == nil || set.Storefront.Account.ID != "storefront:s" {
		t.Fatalf("expected storefront bound")
	}
	if len(set.Unavailable) != 1 || set.Unavailable[0].Account.ID != broken.ID {
		t.Fatalf("expected broken account unavailable, got %+v", set.Unavailable)
	}
	if len(events) != 1 || events[0] != "accounts.client_unavailable" {
		t.Fatalf("unexpected events %v", events)
	}
	if _, ok := set.MarketplaceByExternalID("1"); !ok {
		t.Fatalf("expected lookup by seller id")
	}
	if _, ok := set.MarketplaceByExternalID("2"); ok {
		t.Fatalf("unavailable accounts are not bound")
	}
}

func TestAccountRegistryLoadRequiresTenant(t *testing.T) {
	registry, err := NewAccountRegistry(AccountRegistryDeps{Accounts: newMemoryAccountRepository(), Clients: &stubClientFactory{}})
	if err != nil {
		t.Fatalf("NewAccountRegistry: %v", err)
	}
	if _, err := registry.Load(context.Background(), " "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestChannelClientFactoryBindsClients(t *testing.T) {
	repo := newMemoryAccountRepository(marketplaceAccount("marketplace:1", "1"))
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	factory, err := NewChannelClientFactory(ChannelClientFactoryDeps{
		Marketplace: marketplace.Config{ClientID: "app", ClientSecret: "secret"},
		Accounts:    repo,
		Clock:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewChannelClientFactory: %v", err)
	}

	account := marketplaceAccount("marketplace:1", "1")
	account.Credentials = domain.Credentials{AccessToken: "a", RefreshToken: "r"}
	client, err := factory.Marketplace(context.Background(), account)
	if err != nil {
		t.Fatalf("Marketplace: %v", err)
	}
	concrete, ok := client.(*marketplace.Client)
	if !ok {
		t.Fatalf("expected marketplace client, got %T", client)
	}
	if concrete.SellerID() != "1" {
		t.Fatalf("unexpected seller %q", concrete.SellerID())
	}

	if _, err := factory.Storefront(context.Background(), domain.ChannelAccount{Channel: domain.ChannelStorefront}); err == nil {
		t.Fatalf("expected storefront client error without base url")
	}
}
