package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stocksync/api/internal/domain"
	pfirestore "github.com/stocksync/api/internal/platform/firestore"
	"github.com/stocksync/api/internal/repositories"
)

const tenantsCollection = "tenants"

type tenantDocument struct {
	LastIntegrationAt time.Time `firestore:"lastIntegrationAt"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

// TenantRepository stores per-tenant settings in the tenants collection.
type TenantRepository struct {
	provider *pfirestore.Provider
	tenants  *pfirestore.Collection[tenantDocument]
}

var _ repositories.TenantRepository = (*TenantRepository)(nil)

// NewTenantRepository constructs a Firestore-backed tenant repository.
func NewTenantRepository(provider *pfirestore.Provider) (*TenantRepository, error) {
	if provider == nil {
		return nil, errors.New("tenant repository requires firestore provider")
	}
	return &TenantRepository{
		provider: provider,
		tenants:  pfirestore.NewCollection[tenantDocument](provider, tenantsCollection),
	}, nil
}

// Get returns the tenant profile when present.
func (r *TenantRepository) Get(ctx context.Context, tenantID string) (domain.TenantProfile, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.TenantProfile{}, false, errors.New("tenants: tenant id is required")
	}
	doc, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.TenantProfile{}, false, nil
		}
		return domain.TenantProfile{}, false, err
	}
	return decodeTenant(doc.ID, doc.Data), true, nil
}

// Ensure creates the tenant with its integration start set to now when it does not exist yet.
func (r *TenantRepository) Ensure(ctx context.Context, tenantID string, now time.Time) (domain.TenantProfile, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.TenantProfile{}, errors.New("tenants: tenant id is required")
	}
	now = now.UTC()
	var profile domain.TenantProfile
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.tenants.Doc(ctx, tenantID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			doc := tenantDocument{LastIntegrationAt: now, CreatedAt: now, UpdatedAt: now}
			profile = decodeTenant(tenantID, doc)
			return tx.Create(ref, doc)
		case codes.OK:
		default:
			return err
		}
		var doc tenantDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore tenants decode %s: %w", tenantID, err)
		}
		profile = decodeTenant(tenantID, doc)
		return nil
	})
	if err != nil {
		return domain.TenantProfile{}, pfirestore.WrapError("tenants.ensure", err)
	}
	return profile, nil
}

// UpdateLastIntegration moves the integration start; orders created earlier are treated as stale.
func (r *TenantRepository) UpdateLastIntegration(ctx context.Context, tenantID string, at time.Time) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errors.New("tenants: tenant id is required")
	}
	ref, err := r.tenants.Doc(ctx, tenantID)
	if err != nil {
		return err
	}
	at = at.UTC()
	if _, err := ref.Set(ctx, map[string]any{
		"lastIntegrationAt": at,
		"updatedAt":         at,
	}, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("tenants.update_last_integration", err)
	}
	return nil
}

func decodeTenant(id string, doc tenantDocument) domain.TenantProfile {
	return domain.TenantProfile{
		ID:                id,
		LastIntegrationAt: doc.LastIntegrationAt,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}
