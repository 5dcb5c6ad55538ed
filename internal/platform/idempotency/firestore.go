package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection   = "webhook_deliveries"
	defaultMaxAttempts  = 5
	defaultCleanupLimit = 100
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding delivery claims.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements Store on Firestore so claims are shared by every instance.
// Enable a TTL policy on expires_at to let Firestore purge old claims; CleanupExpired covers
// projects without one.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Claim implements Store. An expired claim is overwritten inside the same transaction.
func (s *FirestoreStore) Claim(ctx context.Context, scope, id string, now time.Time, ttl time.Duration) (bool, error) {
	key, err := recordKey(scope, id)
	if err != nil {
		return false, err
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(key)

	claimed := false
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if !existing.toRecord().expired(now) {
				return nil
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		claimed = true
		return tx.Set(ref, firestoreRecord{
			Scope:     scope,
			ID:        id,
			ClaimedAt: now,
			ExpiresAt: now.Add(normalizeTTL(ttl)),
		})
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, scope, id string) error {
	key, err := recordKey(scope, id)
	if err != nil {
		return err
	}
	_, err = s.client.Collection(s.collection).Doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired deletes up to limit expired claims.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bulk := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bulk.Delete(doc.Ref); err != nil {
			bulk.End()
			return 0, err
		}
	}
	bulk.End()
	return len(docs), nil
}

type firestoreRecord struct {
	Scope     string    `firestore:"scope"`
	ID        string    `firestore:"id"`
	ClaimedAt time.Time `firestore:"claimed_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (r firestoreRecord) toRecord() Record {
	return Record{Scope: r.Scope, ID: r.ID, ClaimedAt: r.ClaimedAt, ExpiresAt: r.ExpiresAt}
}
