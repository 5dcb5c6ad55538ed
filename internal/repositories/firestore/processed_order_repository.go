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

const (
	processedOrdersCollection = "processedOrders"
	defaultProcessedOrderTTL  = 15 * 24 * time.Hour
	defaultClaimLease         = 5 * time.Minute
)

type processedOrderDocument struct {
	AccountID      string    `firestore:"accountId"`
	OrderID        string    `firestore:"orderId"`
	Channel        string    `firestore:"channel"`
	State          string    `firestore:"state"`
	Outcome        string    `firestore:"outcome,omitempty"`
	RunID          string    `firestore:"runId,omitempty"`
	OrderCreatedAt time.Time `firestore:"orderCreatedAt"`
	ClaimedAt      time.Time `firestore:"claimedAt"`
	LeaseExpiresAt time.Time `firestore:"leaseExpiresAt"`
	ProcessedAt    time.Time `firestore:"processedAt,omitempty"`
	// ExpiresAt drives the collection's TTL policy.
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// ProcessedOrderRepository implements the order idempotency store. Claims are created inside a
// transaction so concurrent deliveries of the same order cannot both proceed.
type ProcessedOrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[processedOrderDocument]
	now      func() time.Time
}

var _ repositories.ProcessedOrderRepository = (*ProcessedOrderRepository)(nil)

// NewProcessedOrderRepository constructs the Firestore-backed processed order store.
func NewProcessedOrderRepository(provider *pfirestore.Provider) (*ProcessedOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("processed order repository requires firestore provider")
	}
	return &ProcessedOrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[processedOrderDocument](provider, processedOrdersCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Find returns the stored record for (accountID, orderID).
func (r *ProcessedOrderRepository) Find(ctx context.Context, accountID, orderID string) (domain.ProcessedOrder, bool, error) {
	id, err := processedOrderID(accountID, orderID)
	if err != nil {
		return domain.ProcessedOrder{}, false, err
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.ProcessedOrder{}, false, nil
		}
		return domain.ProcessedOrder{}, false, err
	}
	return decodeProcessedOrder(doc.Data), true, nil
}

// Claim creates a pending record unless the order is recorded or held by an unexpired claim.
func (r *ProcessedOrderRepository) Claim(ctx context.Context, claim repositories.ProcessedOrderClaim) (domain.ProcessedOrder, error) {
	id, err := processedOrderID(claim.AccountID, claim.OrderID)
	if err != nil {
		return domain.ProcessedOrder{}, err
	}
	claimedAt := claim.ClaimedAt.UTC()
	if claimedAt.IsZero() {
		claimedAt = r.now()
	}
	lease := claim.Lease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	ttl := claim.TTL
	if ttl <= 0 {
		ttl = defaultProcessedOrderTTL
	}
	record := domain.ProcessedOrder{
		AccountID:      claim.AccountID,
		OrderID:        claim.OrderID,
		Channel:        claim.Channel,
		State:          domain.ProcessedOrderPending,
		RunID:          claim.RunID,
		OrderCreatedAt: claim.OrderCreatedAt.UTC(),
		ClaimedAt:      claimedAt,
		LeaseExpiresAt: claimedAt.Add(lease),
		ExpiresAt:      claimedAt.Add(ttl),
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			return tx.Create(ref, encodeProcessedOrder(record))
		case codes.OK:
			// existing record; check below
		default:
			return err
		}
		var existing processedOrderDocument
		if err := snapshot.DataTo(&existing); err != nil {
			return fmt.Errorf("firestore processed orders decode %s: %w", id, err)
		}
		if decodeProcessedOrder(existing).Blocks(claimedAt) {
			return repositories.ErrAlreadyProcessed
		}
		// The previous claim's lease lapsed without a record; take it over.
		return tx.Set(ref, encodeProcessedOrder(record))
	})
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyProcessed) || status.Code(err) == codes.AlreadyExists {
			return domain.ProcessedOrder{}, repositories.ErrAlreadyProcessed
		}
		return domain.ProcessedOrder{}, pfirestore.WrapError("processed_orders.claim", err)
	}
	return record, nil
}

// MarkAttempted pins runID's claim before any channel is written. The lease is stretched to the
// record expiry so the claim survives a slow fan-out.
func (r *ProcessedOrderRepository) MarkAttempted(ctx context.Context, accountID, orderID, runID string) error {
	id, err := processedOrderID(accountID, orderID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.ErrAlreadyProcessed
		}
		if err != nil {
			return err
		}
		var existing processedOrderDocument
		if err := snapshot.DataTo(&existing); err != nil {
			return fmt.Errorf("firestore processed orders decode %s: %w", id, err)
		}
		if existing.State != string(domain.ProcessedOrderPending) || existing.RunID != runID {
			return repositories.ErrAlreadyProcessed
		}
		existing.State = string(domain.ProcessedOrderAttempted)
		if existing.ExpiresAt.IsZero() {
			existing.ExpiresAt = r.now().Add(defaultProcessedOrderTTL)
		}
		existing.LeaseExpiresAt = existing.ExpiresAt
		return tx.Set(ref, existing)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyProcessed) {
			return repositories.ErrAlreadyProcessed
		}
		return pfirestore.WrapError("processed_orders.mark_attempted", err)
	}
	return nil
}

// Record stores the processed marker, replacing any pending or attempted claim.
func (r *ProcessedOrderRepository) Record(ctx context.Context, record domain.ProcessedOrder) error {
	id, err := processedOrderID(record.AccountID, record.OrderID)
	if err != nil {
		return err
	}
	record.State = domain.ProcessedOrderProcessed
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = r.now()
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.ProcessedAt.Add(defaultProcessedOrderTTL)
	}
	return r.orders.Set(ctx, id, encodeProcessedOrder(record))
}

// Release deletes a pending claim held by runID. Records, attempted claims and claims held by
// other runs are left untouched.
func (r *ProcessedOrderRepository) Release(ctx context.Context, accountID, orderID, runID string) error {
	id, err := processedOrderID(accountID, orderID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var existing processedOrderDocument
		if err := snapshot.DataTo(&existing); err != nil {
			return fmt.Errorf("firestore processed orders decode %s: %w", id, err)
		}
		if existing.State != string(domain.ProcessedOrderPending) || existing.RunID != runID {
			return nil
		}
		return tx.Delete(ref)
	})
}

func processedOrderID(accountID, orderID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	orderID = strings.TrimSpace(orderID)
	if accountID == "" || orderID == "" {
		return "", errors.New("processed orders: account id and order id are required")
	}
	return accountID + ":" + orderID, nil
}

func encodeProcessedOrder(record domain.ProcessedOrder) processedOrderDocument {
	return processedOrderDocument{
		AccountID:      record.AccountID,
		OrderID:        record.OrderID,
		Channel:        string(record.Channel),
		State:          string(record.State),
		Outcome:        record.Outcome,
		RunID:          record.RunID,
		OrderCreatedAt: record.OrderCreatedAt.UTC(),
		ClaimedAt:      record.ClaimedAt.UTC(),
		LeaseExpiresAt: record.LeaseExpiresAt.UTC(),
		ProcessedAt:    record.ProcessedAt.UTC(),
		ExpiresAt:      record.ExpiresAt.UTC(),
	}
}

func decodeProcessedOrder(doc processedOrderDocument) domain.ProcessedOrder {
	return domain.ProcessedOrder{
		AccountID:      doc.AccountID,
		OrderID:        doc.OrderID,
		Channel:        domain.Channel(doc.Channel),
		State:          domain.ProcessedOrderState(doc.State),
		Outcome:        doc.Outcome,
		RunID:          doc.RunID,
		OrderCreatedAt: doc.OrderCreatedAt,
		ClaimedAt:      doc.ClaimedAt,
		LeaseExpiresAt: doc.LeaseExpiresAt,
		ProcessedAt:    doc.ProcessedAt,
		ExpiresAt:      doc.ExpiresAt,
	}
}
