package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection is a typed view over one collection. T must be a struct with firestore tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection to the provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get fetches and decodes the document. Missing documents yield a not-found repository error.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decode(snapshot)
}

// Set writes value under id, replacing the document unless merge options are given.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value, opts...); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Create writes value under id and fails with a conflict when the document exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Update applies field updates to an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates, preconds...); err != nil {
		return WrapError(c.op("update"), err)
	}
	return nil
}

// Query runs the built query and decodes every match.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := c.decode(snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// Doc returns the document reference, for use inside transactions.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode hydrates a snapshot read inside a transaction.
func (c *Collection[T]) Decode(snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	return c.decode(snapshot)
}

func (c *Collection[T]) decode(snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", c.op("decode"), snapshot.Ref.ID, err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: data, UpdateTime: snapshot.UpdateTime}, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: collection has no provider")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
