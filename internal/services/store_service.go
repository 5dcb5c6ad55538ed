package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stocksync/api/internal/channels"
	"github.com/stocksync/api/internal/channels/marketplace"
	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/repositories"
)

const locationGIDPrefix = "gid://shopify/Location/"

var (
	// ErrStoreInvalidInput signals the caller provided invalid arguments.
	ErrStoreInvalidInput = errors.New("store: invalid input")
	// ErrStoreConflict indicates the account is already linked.
	ErrStoreConflict = errors.New("store: already linked")
	// ErrStoreNotFound indicates the account does not exist for the tenant.
	ErrStoreNotFound = errors.New("store: not found")
	// ErrStoreUnavailable indicates a channel or storage dependency failed.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// MarketplaceAuthorizer exchanges OAuth authorization codes for seller tokens.
type MarketplaceAuthorizer interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (marketplace.TokenGrant, error)
}

// StoreServiceDeps bundles the collaborators required to construct a store service.
type StoreServiceDeps struct {
	Accounts    repositories.AccountRepository
	Tenants     repositories.TenantRepository
	Registry    AccountLoader
	Clients     ClientFactory
	Authorizer  MarketplaceAuthorizer
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type storeService struct {
	accounts   repositories.AccountRepository
	tenants    repositories.TenantRepository
	registry   AccountLoader
	clients    ClientFactory
	authorizer MarketplaceAuthorizer
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ StoreService = (*storeService)(nil)

// NewStoreService wires dependencies into the store service.
func NewStoreService(deps StoreServiceDeps) (StoreService, error) {
	if deps.Accounts == nil {
		return nil, errors.New("store service: account repository is required")
	}
	if deps.Tenants == nil {
		return nil, errors.New("store service: tenant repository is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("store service: account registry is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("store service: client factory is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return strings.ToLower(ulid.Make().String()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &storeService{
		accounts:   deps.Accounts,
		tenants:    deps.Tenants,
		registry:   deps.Registry,
		clients:    deps.Clients,
		authorizer: deps.Authorizer,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *storeService) ListStores(ctx context.Context, tenantID string) ([]StoreSummary, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrStoreInvalidInput)
	}
	set, err := s.registry.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	summaries := fanOut(ctx, 0, len(set.Marketplace), func(ctx context.Context, i int) []StoreSummary {
		bound := set.Marketplace[i]
		summary := summarize(bound.Account)
		name, err := bound.Client.Me(ctx)
		if err != nil {
			s.logger(ctx, "stores.marketplace_blocked", map[string]any{
				"accountId": bound.Account.ID,
				"error":     err.Error(),
			})
			summary.Blocked = true
			summary.Name = "blocked account: " + bound.Account.ExternalAccountID
			return []StoreSummary{summary}
		}
		summary.Name = name
		return []StoreSummary{summary}
	})

	if set.Storefront != nil {
		summary := summarize(set.Storefront.Account)
		name, err := set.Storefront.Client.ShopName(ctx)
		if err != nil {
			summary.Blocked = true
			summary.Name = "blocked account: " + set.Storefront.Account.ExternalAccountID
		} else {
			summary.Name = name
		}
		summaries = append(summaries, summary)
	}
	for _, unavailable := range set.Unavailable {
		summary := summarize(unavailable.Account)
		summary.Blocked = true
		summary.Name = "blocked account: " + unavailable.Account.ExternalAccountID
		summaries = append(summaries, summary)
	}
	if summaries == nil {
		summaries = []StoreSummary{}
	}
	return summaries, nil
}

func (s *storeService) LinkMarketplace(ctx context.Context, cmd LinkMarketplaceCommand) (StoreSummary, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	code := strings.TrimSpace(cmd.Code)
	redirectURI := strings.TrimSpace(cmd.RedirectURI)
	switch {
	case tenantID == "":
		return StoreSummary{}, fmt.Errorf("%w: tenant id is required", ErrStoreInvalidInput)
	case code == "":
		return StoreSummary{}, fmt.Errorf("%w: authorization code is required", ErrStoreInvalidInput)
	case redirectURI == "":
		return StoreSummary{}, fmt.Errorf("%w: redirect uri is required", ErrStoreInvalidInput)
	case s.authorizer == nil:
		return StoreSummary{}, fmt.Errorf("%w: marketplace application is not configured", ErrStoreUnavailable)
	}

	grant, err := s.authorizer.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return StoreSummary{}, classifyChannelError("exchange authorization code", err)
	}
	sellerID := strconv.FormatInt(grant.UserID, 10)
	if grant.UserID == 0 {
		return StoreSummary{}, fmt.Errorf("%w: token grant carries no seller id", ErrStoreUnavailable)
	}
	if want := strings.TrimSpace(cmd.SellerID); want != "" && want != sellerID {
		return StoreSummary{}, fmt.Errorf("%w: authorization belongs to seller %s, not %s", ErrStoreInvalidInput, sellerID, want)
	}

	now := s.clock()
	account := domain.ChannelAccount{
		ID:                domain.AccountDocumentID(domain.ChannelMarketplace, sellerID),
		TenantID:          tenantID,
		Channel:           domain.ChannelMarketplace,
		ExternalAccountID: sellerID,
		Credentials:       domain.Credentials{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken},
		Status:            domain.AccountStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	name := ""
	if client, err := s.clients.Marketplace(ctx, account); err == nil {
		if nickname, err := client.Me(ctx); err == nil {
			name = nickname
		}
	}
	account.DisplayName = name

	if err := s.store(ctx, account); err != nil {
		return StoreSummary{}, err
	}
	if err := s.touchTenant(ctx, tenantID, now); err != nil {
		return StoreSummary{}, err
	}

	s.logger(ctx, "stores.linked", map[string]any{
		"tenantId":  tenantID,
		"accountId": account.ID,
		"channel":   string(account.Channel),
	})
	summary := summarize(account)
	summary.Name = name
	return summary, nil
}

func (s *storeService) LinkStorefront(ctx context.Context, cmd LinkStorefrontCommand) (StoreSummary, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	shop := normalizeShopDomain(cmd.ShopDomain)
	token := strings.TrimSpace(cmd.AccessToken)
	location := normalizeLocationID(cmd.LocationID)
	switch {
	case tenantID == "":
		return StoreSummary{}, fmt.Errorf("%w: tenant id is required", ErrStoreInvalidInput)
	case shop == "":
		return StoreSummary{}, fmt.Errorf("%w: shop domain is required", ErrStoreInvalidInput)
	case token == "":
		return StoreSummary{}, fmt.Errorf("%w: access token is required", ErrStoreInvalidInput)
	case location == "":
		return StoreSummary{}, fmt.Errorf("%w: location id is required", ErrStoreInvalidInput)
	}

	existing, err := s.accounts.ListByTenant(ctx, tenantID, false)
	if err != nil {
		return StoreSummary{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	for _, account := range existing {
		if account.Channel == domain.ChannelStorefront && account.ExternalAccountID != shop {
			return StoreSummary{}, fmt.Errorf("%w: tenant already links storefront %s", ErrStoreConflict, account.ExternalAccountID)
		}
	}

	now := s.clock()
	account := domain.ChannelAccount{
		ID:                domain.AccountDocumentID(domain.ChannelStorefront, shop),
		TenantID:          tenantID,
		Channel:           domain.ChannelStorefront,
		ExternalAccountID: shop,
		Credentials:       domain.Credentials{AccessToken: token},
		BaseURL:           shop,
		LocationID:        location,
		WebhookKey:        s.newID(),
		Status:            domain.AccountStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	client, err := s.clients.Storefront(ctx, account)
	if err != nil {
		return StoreSummary{}, fmt.Errorf("%w: %w", ErrStoreInvalidInput, err)
	}
	name, err := client.ShopName(ctx)
	if err != nil {
		return StoreSummary{}, classifyChannelError("verify shop access", err)
	}
	account.DisplayName = name

	if err := s.store(ctx, account); err != nil {
		return StoreSummary{}, err
	}
	if err := s.touchTenant(ctx, tenantID, now); err != nil {
		return StoreSummary{}, err
	}

	s.logger(ctx, "stores.linked", map[string]any{
		"tenantId":  tenantID,
		"accountId": account.ID,
		"channel":   string(account.Channel),
	})
	summary := summarize(account)
	summary.Name = name
	return summary, nil
}

func (s *storeService) Unlink(ctx context.Context, tenantID, accountID string) error {
	tenantID = strings.TrimSpace(tenantID)
	accountID = strings.TrimSpace(accountID)
	if tenantID == "" || accountID == "" {
		return fmt.Errorf("%w: tenant id and account id are required", ErrStoreInvalidInput)
	}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if account.TenantID != tenantID || !account.Active() {
		return ErrStoreNotFound
	}
	if err := s.accounts.Deactivate(ctx, accountID, s.clock()); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.logger(ctx, "stores.unlinked", map[string]any{
		"tenantId":  tenantID,
		"accountId": accountID,
	})
	return nil
}

func (s *storeService) ListQuestions(ctx context.Context, tenantID string) ([]AccountQuestions, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrStoreInvalidInput)
	}
	set, err := s.registry.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	out := fanOut(ctx, 0, len(set.Marketplace), func(ctx context.Context, i int) []AccountQuestions {
		bound := set.Marketplace[i]
		entry := AccountQuestions{
			AccountID: bound.Account.ID,
			SellerID:  bound.Account.ExternalAccountID,
			Questions: []domain.Question{},
		}
		questions, err := bound.Client.UnansweredQuestions(ctx)
		if err != nil {
			entry.Error = err.Error()
			return []AccountQuestions{entry}
		}
		if questions != nil {
			entry.Questions = questions
		}
		return []AccountQuestions{entry}
	})
	if out == nil {
		out = []AccountQuestions{}
	}
	return out, nil
}

// store creates the account or reactivates a previously unlinked one. Active accounts are never
// taken over, not even by the same tenant.
func (s *storeService) store(ctx context.Context, account domain.ChannelAccount) error {
	existing, found, err := s.accounts.FindByExternalID(ctx, account.Channel, account.ExternalAccountID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if found {
		if existing.Active() {
			return fmt.Errorf("%w: %s", ErrStoreConflict, account.ID)
		}
		account.CreatedAt = existing.CreatedAt
		if err := s.accounts.Reactivate(ctx, account); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return nil
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if repositories.IsConflict(err) {
			return fmt.Errorf("%w: %s", ErrStoreConflict, account.ID)
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// touchTenant moves the tenant's integration boundary so orders placed before linking are ignored.
func (s *storeService) touchTenant(ctx context.Context, tenantID string, now time.Time) error {
	if _, err := s.tenants.Ensure(ctx, tenantID, now); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := s.tenants.UpdateLastIntegration(ctx, tenantID, now); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func summarize(account domain.ChannelAccount) StoreSummary {
	return StoreSummary{
		AccountID:         account.ID,
		Channel:           account.Channel,
		ExternalAccountID: account.ExternalAccountID,
		Name:              account.DisplayName,
		Status:            account.Status,
		WebhookKey:        account.WebhookKey,
	}
}

func classifyChannelError(op string, err error) error {
	var remote *channels.RemoteError
	if errors.As(err, &remote) && remote.Status >= http.StatusBadRequest && remote.Status < http.StatusInternalServerError {
		return fmt.Errorf("%w: %s: %w", ErrStoreInvalidInput, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func normalizeShopDomain(raw string) string {
	shop := strings.ToLower(strings.TrimSpace(raw))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	if idx := strings.IndexByte(shop, '/'); idx >= 0 {
		shop = shop[:idx]
	}
	return shop
}

func normalizeLocationID(raw string) string {
	location := strings.TrimSpace(raw)
	if location == "" {
		return ""
	}
	if _, err := strconv.ParseInt(location, 10, 64); err == nil {
		return locationGIDPrefix + location
	}
	return location
}
