package domain

import "time"

// Channel identifies an external sales platform.
type Channel string

const (
	// ChannelMarketplace is the multi-seller marketplace (one tenant may link many seller accounts).
	ChannelMarketplace Channel = "marketplace"
	// ChannelStorefront is the tenant's own shop; at most one per tenant.
	ChannelStorefront Channel = "storefront"
)

// Valid reports whether the channel is one of the supported platforms.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMarketplace, ChannelStorefront:
		return true
	default:
		return false
	}
}

// AccountStatus tracks the lifecycle of a linked channel account.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// Credentials holds the tokens used to call a channel API on behalf of an account.
// Storefront accounts only carry a static AccessToken.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// ChannelAccount is a tenant's linked account on a channel.
type ChannelAccount struct {
	ID                string
	TenantID          string
	Channel           Channel
	ExternalAccountID string
	DisplayName       string
	Credentials       Credentials
	BaseURL           string
	LocationID        string
	WebhookKey        string
	Status            AccountStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the account participates in synchronisation.
func (a ChannelAccount) Active() bool {
	return a.Status == AccountStatusActive
}

// AccountDocumentID builds the storage key for an account from its channel and external identifier.
func AccountDocumentID(channel Channel, externalID string) string {
	return string(channel) + ":" + externalID
}

// TenantProfile stores per-tenant synchronisation settings.
type TenantProfile struct {
	ID                string
	LastIntegrationAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StoreSummary is the public view of a linked account returned by store listings.
type StoreSummary struct {
	AccountID         string
	Channel           Channel
	ExternalAccountID string
	Name              string
	Blocked           bool
	Status            AccountStatus
	WebhookKey        string
}
