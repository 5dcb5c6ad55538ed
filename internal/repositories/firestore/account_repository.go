package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stocksync/api/internal/domain"
	pfirestore "github.com/stocksync/api/internal/platform/firestore"
	"github.com/stocksync/api/internal/repositories"
)

const accountsCollection = "channelAccounts"

type accountDocument struct {
	TenantID          string    `firestore:"tenantId"`
	Channel           string    `firestore:"channel"`
	ExternalAccountID string    `firestore:"externalAccountId"`
	DisplayName       string    `firestore:"displayName,omitempty"`
	AccessToken       string    `firestore:"accessToken"`
	RefreshToken      string    `firestore:"refreshToken,omitempty"`
	BaseURL           string    `firestore:"baseUrl,omitempty"`
	LocationID        string    `firestore:"locationId,omitempty"`
	WebhookKey        string    `firestore:"webhookKey,omitempty"`
	Status            string    `firestore:"status"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

// AccountRepository implements repositories.AccountRepository on the channelAccounts collection.
// Documents are keyed by "{channel}:{externalAccountId}" so a channel account is linked at most once.
type AccountRepository struct {
	provider *pfirestore.Provider
	accounts *pfirestore.Collection[accountDocument]
}

var _ repositories.AccountRepository = (*AccountRepository)(nil)

// NewAccountRepository constructs a Firestore-backed account repository.
func NewAccountRepository(provider *pfirestore.Provider) (*AccountRepository, error) {
	if provider == nil {
		return nil, errors.New("account repository requires firestore provider")
	}
	return &AccountRepository{
		provider: provider,
		accounts: pfirestore.NewCollection[accountDocument](provider, accountsCollection),
	}, nil
}

// ListByTenant returns the tenant's accounts ordered by channel then external id.
func (r *AccountRepository) ListByTenant(ctx context.Context, tenantID string, includeInactive bool) ([]domain.ChannelAccount, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, repositories.NewAccountError("accounts.list", repositories.AccountErrorInvalidInput, "tenant id is required", nil)
	}
	docs, err := r.accounts.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("tenantId", "==", tenantID)
		if !includeInactive {
			q = q.Where("status", "==", string(domain.AccountStatusActive))
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	accounts := make([]domain.ChannelAccount, 0, len(docs))
	for _, doc := range docs {
		accounts = append(accounts, decodeAccount(doc.ID, doc.Data))
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Channel != accounts[j].Channel {
			return accounts[i].Channel < accounts[j].Channel
		}
		return accounts[i].ExternalAccountID < accounts[j].ExternalAccountID
	})
	return accounts, nil
}

// Get loads an account by document id.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (domain.ChannelAccount, error) {
	doc, err := r.accounts.Get(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return domain.ChannelAccount{}, err
	}
	return decodeAccount(doc.ID, doc.Data), nil
}

// FindByExternalID looks up the account linked for the channel's account id.
func (r *AccountRepository) FindByExternalID(ctx context.Context, channel domain.Channel, externalID string) (domain.ChannelAccount, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if !channel.Valid() || externalID == "" {
		return domain.ChannelAccount{}, false, repositories.NewAccountError("accounts.find", repositories.AccountErrorInvalidInput, "channel and external id are required", nil)
	}
	doc, err := r.accounts.Get(ctx, domain.AccountDocumentID(channel, externalID))
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.ChannelAccount{}, false, nil
		}
		return domain.ChannelAccount{}, false, err
	}
	return decodeAccount(doc.ID, doc.Data), true, nil
}

// FindByWebhookKey resolves the storefront account addressed by a webhook path segment.
func (r *AccountRepository) FindByWebhookKey(ctx context.Context, webhookKey string) (domain.ChannelAccount, bool, error) {
	webhookKey = strings.TrimSpace(webhookKey)
	if webhookKey == "" {
		return domain.ChannelAccount{}, false, nil
	}
	docs, err := r.accounts.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("webhookKey", "==", webhookKey).Limit(1)
	})
	if err != nil {
		return domain.ChannelAccount{}, false, err
	}
	if len(docs) == 0 {
		return domain.ChannelAccount{}, false, nil
	}
	return decodeAccount(docs[0].ID, docs[0].Data), true, nil
}

// Create inserts a new account, failing with a conflict when the document already exists.
func (r *AccountRepository) Create(ctx context.Context, account domain.ChannelAccount) error {
	id, err := accountID(account)
	if err != nil {
		return err
	}
	if err := r.accounts.Create(ctx, id, encodeAccount(account)); err != nil {
		if repositories.IsConflict(err) {
			return repositories.NewAccountError("accounts.create", repositories.AccountErrorConflict, fmt.Sprintf("account %s already linked", id), err)
		}
		return err
	}
	return nil
}

// Reactivate overwrites a previously unlinked account with fresh credentials.
func (r *AccountRepository) Reactivate(ctx context.Context, account domain.ChannelAccount) error {
	id, err := accountID(account)
	if err != nil {
		return err
	}
	account.Status = domain.AccountStatusActive
	return r.accounts.Set(ctx, id, encodeAccount(account))
}

// UpdateCredentials persists a refreshed token pair.
func (r *AccountRepository) UpdateCredentials(ctx context.Context, accountID string, creds domain.Credentials, updatedAt time.Time) error {
	updates := []firestore.Update{
		{Path: "accessToken", Value: creds.AccessToken},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	}
	if creds.RefreshToken != "" {
		updates = append(updates, firestore.Update{Path: "refreshToken", Value: creds.RefreshToken})
	}
	return r.accounts.Update(ctx, strings.TrimSpace(accountID), updates)
}

// Deactivate marks the account inactive so it no longer participates in synchronisation.
func (r *AccountRepository) Deactivate(ctx context.Context, accountID string, updatedAt time.Time) error {
	return r.accounts.Update(ctx, strings.TrimSpace(accountID), []firestore.Update{
		{Path: "status", Value: string(domain.AccountStatusInactive)},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
}

func accountID(account domain.ChannelAccount) (string, error) {
	if !account.Channel.Valid() || strings.TrimSpace(account.ExternalAccountID) == "" || strings.TrimSpace(account.TenantID) == "" {
		return "", repositories.NewAccountError("accounts.write", repositories.AccountErrorInvalidInput, "tenant, channel and external id are required", nil)
	}
	return domain.AccountDocumentID(account.Channel, strings.TrimSpace(account.ExternalAccountID)), nil
}

func encodeAccount(account domain.ChannelAccount) accountDocument {
	status := account.Status
	if status == "" {
		status = domain.AccountStatusActive
	}
	return accountDocument{
		TenantID:          account.TenantID,
		Channel:           string(account.Channel),
		ExternalAccountID: strings.TrimSpace(account.ExternalAccountID),
		DisplayName:       account.DisplayName,
		AccessToken:       account.Credentials.AccessToken,
		RefreshToken:      account.Credentials.RefreshToken,
		BaseURL:           account.BaseURL,
		LocationID:        account.LocationID,
		WebhookKey:        account.WebhookKey,
		Status:            string(status),
		CreatedAt:         account.CreatedAt.UTC(),
		UpdatedAt:         account.UpdatedAt.UTC(),
	}
}

func decodeAccount(id string, doc accountDocument) domain.ChannelAccount {
	return domain.ChannelAccount{
		ID:                id,
		TenantID:          doc.TenantID,
		Channel:           domain.Channel(doc.Channel),
		ExternalAccountID: doc.ExternalAccountID,
		DisplayName:       doc.DisplayName,
		Credentials:       domain.Credentials{AccessToken: doc.AccessToken, RefreshToken: doc.RefreshToken},
		BaseURL:           doc.BaseURL,
		LocationID:        doc.LocationID,
		WebhookKey:        doc.WebhookKey,
		Status:            domain.AccountStatus(doc.Status),
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}
