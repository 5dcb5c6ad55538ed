package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stocksync/api/internal/platform/config"
)

const (
	dialTimeout     = 10 * time.Second
	txAttempts      = 5
	txTimeout       = 15 * time.Second
	readinessProbe  = "_readiness"
	envEmulatorHost = "FIRESTORE_EMULATOR_HOST"
	envCloudProject = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider owns the process-wide client for the account, processed-order and tenant stores.
// Dialling is lazy so the API boots while Firestore is unreachable and /readyz reports it.
type Provider struct {
	projectID string
	emulator  string

	attempts int
	timeout  time.Duration

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithTransactionPolicy bounds claim and record transactions. Zero values keep the defaults.
func WithTransactionPolicy(attempts int, timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewProvider reads the project id and emulator host from cfg, falling back to
// GOOGLE_CLOUD_PROJECT and FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		projectID: firstNonBlank(cfg.ProjectID, os.Getenv(envCloudProject)),
		emulator:  firstNonBlank(cfg.EmulatorHost, os.Getenv(envEmulatorHost)),
		attempts:  txAttempts,
		timeout:   txTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client. A failed dial is retried by the next caller.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.projectID == "":
		return nil, errors.New("firestore: project id is required")
	}

	var opts []option.ClientOption
	if p.emulator != "" {
		opts = append(opts,
			option.WithEndpoint(p.emulator),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	p.client = client
	return client, nil
}

// RunTransaction runs fn with the provider's retry policy. fn may run more than once; errors it
// returns keep their identity for errors.Is.
func (p *Provider) RunTransaction(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(p.attempts)))
}

// Ping reads one document so readiness covers credentials and IAM, not only the dial.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	docs := client.Collection(readinessProbe).Limit(1).Documents(ctx)
	defer docs.Stop()
	if _, err := docs.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the client; the Provider is unusable afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
