package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/stocksync/api/internal/di"
	"github.com/stocksync/api/internal/handlers"
	"github.com/stocksync/api/internal/platform/auth"
	"github.com/stocksync/api/internal/platform/config"
	"github.com/stocksync/api/internal/platform/idempotency"
	"github.com/stocksync/api/internal/platform/observability"
	"github.com/stocksync/api/internal/platform/secrets"
	"github.com/stocksync/api/internal/services"
)

const (
	deliveryCleanupInterval = time.Hour
	deliveryCleanupBatch    = 500
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	metrics, err := observability.NewMetrics(true)
	if err != nil {
		logger.Fatal("failed to initialise metrics", zap.Error(err))
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics shutdown error", zap.Error(err))
		}
	}()
	meter := metrics.Provider.Meter("github.com/stocksync/api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Logger:  logger,
		Meter:   meter,
		Secrets: fetcher,
		Build:   buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	authMetrics, err := auth.NewOTelMetrics(meter)
	if err != nil {
		logger.Fatal("failed to initialise auth metrics", zap.Error(err))
	}
	authLogger := logger.Named("auth")

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier,
		auth.WithAuthenticatorLogger(authLogger),
		auth.WithAuthenticatorMetrics(authMetrics),
	)

	webhookVerifier := auth.NewWebhookVerifier(
		auth.ParseSecrets(cfg.Storefront.WebhookSecret),
		auth.WithReplayGuard(container.Ingress.Deliveries, cfg.Security.WebhookReplayTTL),
		auth.WithWebhookLogger(authLogger),
		auth.WithWebhookMetrics(authMetrics),
	)
	if strings.TrimSpace(cfg.Storefront.WebhookSecret) == "" {
		authLogger.Warn("storefront webhook secret not configured; order webhooks will be rejected")
	}

	pushAuth := buildPushMiddleware(authLogger, authMetrics, cfg)

	events := observability.NewEventLogger(logger.Named("http"))
	svc := container.Services
	inventoryHandlers := handlers.NewInventoryHandlers(svc.Inventory)
	storeHandlers := handlers.NewStoreHandlers(svc.Stores)
	catalogHandlers := handlers.NewCatalogHandlers(svc.Catalog)
	webhookHandlers := handlers.NewWebhookHandlers(
		handlers.WithNotificationPublisher(container.Ingress.Publisher),
		handlers.WithReconciliationService(svc.Reconciliation),
		handlers.WithStorefrontSignature(webhookVerifier.RequireStorefrontSignature()),
		handlers.WithWebhookRateLimit(cfg.Security.WebhookRateLimit, time.Minute),
		handlers.WithWebhookLogger(events),
	)
	pushHandlers := handlers.NewPubSubPushHandlers(container.Ingress.Dispatcher)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithTenantMiddlewares(authenticator.RequireTenant()),
		handlers.WithTenantRoutes(inventoryHandlers.Routes, storeHandlers.Routes, catalogHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalMiddlewares(pushAuth),
		handlers.WithInternalRoutes(pushHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, metrics.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		runDeliveryCleanup(workersCtx, container.Ingress.Deliveries, logger.Named("idempotency"))
	}()

	if consumer := container.Ingress.Consumer; consumer != nil {
		consumerLogger := logger.Named("jobs").With(zap.String("subscription", cfg.PubSub.Subscription))
		workers.Add(1)
		go func() {
			defer workers.Done()
			consumerLogger.Info("notification consumer started")
			if err := consumer.Run(workersCtx); err != nil {
				consumerLogger.Error("notification consumer stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("stocksync api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopWorkers()
	workers.Wait()
}

func runDeliveryCleanup(ctx context.Context, store idempotency.Store, logger *zap.Logger) {
	if store == nil {
		return
	}
	ticker := time.NewTicker(deliveryCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), deliveryCleanupBatch)
			cancel()
			if err != nil {
				logger.Error("delivery cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("delivery cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildPushMiddleware(logger *zap.Logger, metrics auth.MetricsRecorder, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	cache := auth.NewJWKSCache(oidc.JWKSURL)
	validator := auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(logger),
		auth.WithOIDCMetrics(metrics),
	)
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequirePushToken(auth.PushPolicy{
		Audience:            oidc.Audience,
		Issuers:             oidc.Issuers,
		ServiceAccountEmail: oidc.ServiceAccountEmail,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithProject(project),
	}
	if credentialsFile := lookup("FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve outside local development.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["ENVIRONMENT"]))
	if environment == "" || environment == "local" || environment == "test" {
		return nil
	}
	return []string{
		"Marketplace.ClientSecret",
		"Storefront.WebhookSecret",
	}
}
