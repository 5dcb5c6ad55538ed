package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stocksync/api/internal/channels/marketplace"
	"github.com/stocksync/api/internal/channels/storefront"
	"github.com/stocksync/api/internal/notify"
	"github.com/stocksync/api/internal/platform/config"
	pfirestore "github.com/stocksync/api/internal/platform/firestore"
	"github.com/stocksync/api/internal/platform/idempotency"
	"github.com/stocksync/api/internal/platform/jobs"
	"github.com/stocksync/api/internal/platform/observability"
	"github.com/stocksync/api/internal/platform/secrets"
	platformstorage "github.com/stocksync/api/internal/platform/storage"
	"github.com/stocksync/api/internal/repositories"
	firestoreRepo "github.com/stocksync/api/internal/repositories/firestore"
	"github.com/stocksync/api/internal/services"
)

const secretHealthReference = "secret://system-healthz?version=latest"

// Services bundles the service-layer contracts that handlers and the queue consumer rely upon.
type Services struct {
	Registry       *services.AccountRegistry
	Engine         *services.AdjustmentEngine
	Reconciliation services.ReconciliationService
	Inventory      services.InventoryService
	Stores         services.StoreService
	Catalog        services.CatalogService
	System         services.SystemService
}

// Ingress holds the event plumbing between the channel webhooks and the reconciliation controller.
type Ingress struct {
	Publisher  *jobs.PubSubNotificationPublisher
	Dispatcher *jobs.Dispatcher
	// Consumer is nil unless a pull subscription is configured.
	Consumer *jobs.Consumer
	// Deliveries remembers webhook delivery ids for replay protection.
	Deliveries idempotency.Store
}

// Dependencies carries process-level collaborators created before the container.
type Dependencies struct {
	Logger  *zap.Logger
	Meter   metric.Meter
	Secrets *secrets.Fetcher
	Build   services.BuildInfo
	Clock   func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Ingress      Ingress

	closers []func(context.Context) error
}

// NewContainer dials Firestore, Pub/Sub and Cloud Storage and assembles the services on top.
// Dependencies that fail to dial are closed before returning.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (_ *Container, err error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Close(closeCtx)
		}
	}()

	provider := pfirestore.NewProvider(cfg.Firestore,
		pfirestore.WithTransactionPolicy(cfg.Firestore.TxAttempts, cfg.Firestore.TxTimeout),
	)
	firestoreClient, err := provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firestore client: %w", err)
	}
	c.closers = append(c.closers, provider.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("initialise pubsub client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return pubsubClient.Close() })
	topic := pubsubClient.Topic(cfg.PubSub.NotificationsTopic)
	c.closers = append(c.closers, func(context.Context) error { topic.Stop(); return nil })

	var archive services.ReportArchiver
	if cfg.Storage.ReportsBucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialise storage client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return storageClient.Close() })
		if archive, err = platformstorage.NewArchive(storageClient, cfg.Storage.ReportsBucket); err != nil {
			return nil, fmt.Errorf("initialise report archive: %w", err)
		}
	}

	health, err := repositories.NewDependencyHealthRepository(healthChecks(provider, topic, deps.Secrets))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	reg, err := firestoreRepo.NewRegistry(provider, health)
	if err != nil {
		return nil, fmt.Errorf("build firestore registry: %w", err)
	}
	c.Repositories = reg

	svc, err := buildServices(reg, cfg, deps, archive)
	if err != nil {
		return nil, err
	}
	c.Services = svc

	events := observability.NewEventLogger(deps.Logger.Named("jobs"))
	publisher, err := jobs.NewPubSubNotificationPublisher(topic)
	if err != nil {
		return nil, err
	}
	dispatcher, err := jobs.NewDispatcher(svc.Reconciliation, events)
	if err != nil {
		return nil, err
	}
	c.Ingress = Ingress{
		Publisher:  publisher,
		Dispatcher: dispatcher,
		Deliveries: idempotency.NewFirestoreStore(firestoreClient),
	}
	if cfg.PubSub.Subscription != "" {
		consumer, err := jobs.NewConsumer(pubsubClient.Subscription(cfg.PubSub.Subscription), dispatcher, jobs.WithConsumerLogger(events))
		if err != nil {
			return nil, fmt.Errorf("build notification consumer: %w", err)
		}
		c.Ingress.Consumer = consumer
	}
	return c, nil
}

// Close releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildServices(reg repositories.Registry, cfg config.Config, deps Dependencies, archive services.ReportArchiver) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, errors.New("repositories registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := observability.NewEventLogger(logger.Named("services"))

	marketplaceCfg := marketplace.Config{
		BaseURL:      cfg.Marketplace.BaseURL,
		ClientID:     cfg.Marketplace.ClientID,
		ClientSecret: cfg.Marketplace.ClientSecret,
		Timeout:      cfg.Marketplace.Timeout,
	}
	oauth, err := marketplace.NewOAuth(marketplaceCfg)
	if err != nil {
		return Services{}, fmt.Errorf("build marketplace oauth: %w", err)
	}
	clients, err := services.NewChannelClientFactory(services.ChannelClientFactoryDeps{
		Marketplace: marketplaceCfg,
		OAuth:       oauth,
		Storefront: storefront.Config{
			APIVersion: cfg.Storefront.APIVersion,
			Timeout:    cfg.Storefront.Timeout,
		},
		Accounts: reg.Accounts(),
		Clock:    deps.Clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build client factory: %w", err)
	}

	registry, err := services.NewAccountRegistry(services.AccountRegistryDeps{
		Accounts: reg.Accounts(),
		Clients:  clients,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build account registry: %w", err)
	}
	svc.Registry = registry

	engine, err := services.NewAdjustmentEngine(services.AdjustmentEngineDeps{
		Resolver:    services.NewSKUResolver(services.SKUResolverDeps{ListingStatus: cfg.Sync.ListingStatus}),
		FanOutLimit: cfg.Sync.FanOutLimit,
		Meter:       deps.Meter,
		Logger:      events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build adjustment engine: %w", err)
	}
	svc.Engine = engine

	var reports services.ReportSink
	if archive != nil {
		if reports, err = services.NewStorageReportSink(archive, events); err != nil {
			return Services{}, fmt.Errorf("build report sink: %w", err)
		}
	}

	svc.Reconciliation, err = services.NewReconciliationController(services.ReconciliationControllerDeps{
		Accounts:        reg.Accounts(),
		ProcessedOrders: reg.ProcessedOrders(),
		Tenants:         reg.Tenants(),
		Registry:        registry,
		Engine:          engine,
		Notifier:        notify.NewSlackSink(cfg.Notifications.SlackWebhookURL, notify.WithLogger(notify.Logger(events))),
		Reports:         reports,
		ClaimLease:      cfg.Sync.ClaimLease,
		RecordTTL:       cfg.Sync.RecordTTL,
		Clock:           deps.Clock,
		Meter:           deps.Meter,
		Logger:          events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation controller: %w", err)
	}

	svc.Inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Registry: registry,
		Engine:   engine,
		Reports:  reports,
		Clock:    deps.Clock,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}

	svc.Stores, err = services.NewStoreService(services.StoreServiceDeps{
		Accounts:   reg.Accounts(),
		Tenants:    reg.Tenants(),
		Registry:   registry,
		Clients:    clients,
		Authorizer: oauth,
		Clock:      deps.Clock,
		Logger:     events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build store service: %w", err)
	}

	svc.Catalog, err = services.NewCatalogService(services.CatalogServiceDeps{
		Registry: registry,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		svc.System, err = services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            deps.Clock,
			Build:            build,
			Integrations: map[string]bool{
				services.IntegrationSlack:        cfg.Notifications.SlackWebhookURL != "",
				services.IntegrationReports:      archive != nil,
				services.IntegrationPullConsumer: cfg.PubSub.Subscription != "",
			},
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
	}

	return svc, nil
}

type topicProbe interface {
	Exists(ctx context.Context) (bool, error)
}

func healthChecks(provider *pfirestore.Provider, topic topicProbe, fetcher *secrets.Fetcher) []repositories.DependencyCheck {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("notifications topic not found")
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return checks
}
