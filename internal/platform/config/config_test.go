package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"FIREBASE_PROJECT_ID":   "stocksync-dev",
		"MARKETPLACE_CLIENT_ID": "app-123",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "stocksync-dev" || cfg.PubSub.ProjectID != "stocksync-dev" {
		t.Errorf("expected projects to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Marketplace.BaseURL != defaultMarketplaceBaseURL || cfg.Marketplace.Timeout != 30*time.Second {
		t.Errorf("unexpected marketplace defaults %+v", cfg.Marketplace)
	}
	if cfg.Storefront.APIVersion != "2021-01" {
		t.Errorf("unexpected storefront api version %s", cfg.Storefront.APIVersion)
	}
	if cfg.Sync.ListingStatus != "active" || cfg.Sync.FanOutLimit != defaultFanOutLimit {
		t.Errorf("unexpected sync defaults %+v", cfg.Sync)
	}
	if cfg.Sync.ClaimLease != 5*time.Minute || cfg.Sync.RecordTTL != 15*24*time.Hour {
		t.Errorf("unexpected claim settings %+v", cfg.Sync)
	}
	if cfg.PubSub.NotificationsTopic != "marketplace-notifications" || cfg.PubSub.Subscription != "" {
		t.Errorf("unexpected pubsub defaults %+v", cfg.PubSub)
	}
	if cfg.Storage.ReportsBucket != "" {
		t.Errorf("expected report archiving disabled by default")
	}
	if cfg.Security.WebhookReplayTTL != 24*time.Hour || cfg.Security.WebhookRateLimit != 600 {
		t.Errorf("unexpected webhook defaults %+v", cfg.Security)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics defaults %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unexpected log level %s", cfg.Logging.Level)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := baseEnv()
	for k, v := range map[string]string{
		"PORT":                              "9090",
		"SERVER_IDLE_TIMEOUT":               "2m",
		"LOG_LEVEL":                         "DEBUG",
		"FIRESTORE_PROJECT_ID":              "stocksync-db",
		"PUBSUB_NOTIFICATIONS_SUBSCRIPTION": "notifications-pull",
		"STORAGE_REPORTS_BUCKET":            "reports-prod",
		"MARKETPLACE_CLIENT_SECRET":         "secret://marketplace/client",
		"MARKETPLACE_TIMEOUT":               "10s",
		"STOREFRONT_WEBHOOK_SECRET":         "sm://storefront/webhook",
		"STOREFRONT_API_VERSION":            "2024-04",
		"SLACK_WEBHOOK_URL":                 "https://hooks.slack.test/T/B/X",
		"SYNC_LISTING_STATUS":               "paused",
		"SYNC_FANOUT_LIMIT":                 "0",
		"SYNC_CLAIM_LEASE":                  "90s",
		"ENVIRONMENT":                       "PROD",
		"OIDC_AUDIENCE":                     "https://sync.example.com/internal",
		"OIDC_ISSUERS":                      "https://accounts.google.com",
		"METRICS_ENABLED":                   "off",
	} {
		env[k] = v
	}

	secrets := map[string]string{
		"secret://marketplace/client": "client-secret",
		"secret://storefront/webhook": "shpss_123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected lowercased level, got %s", cfg.Logging.Level)
	}
	if cfg.Firestore.ProjectID != "stocksync-db" || cfg.PubSub.ProjectID != "stocksync-db" {
		t.Errorf("expected pubsub project to follow firestore, got %+v", cfg.PubSub)
	}
	if cfg.Marketplace.ClientSecret != "client-secret" || cfg.Marketplace.Timeout != 10*time.Second {
		t.Errorf("unexpected marketplace config %+v", cfg.Marketplace)
	}
	if cfg.Storefront.WebhookSecret != "shpss_123" || cfg.Storefront.APIVersion != "2024-04" {
		t.Errorf("unexpected storefront config %+v", cfg.Storefront)
	}
	if cfg.Notifications.SlackWebhookURL != "https://hooks.slack.test/T/B/X" {
		t.Errorf("plain values must pass through, got %s", cfg.Notifications.SlackWebhookURL)
	}
	if cfg.Sync.ListingStatus != "paused" || cfg.Sync.FanOutLimit != 0 || cfg.Sync.ClaimLease != 90*time.Second {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.Security.Environment != "prod" || len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("unexpected security config %+v", cfg.Security)
	}
	if cfg.Metrics.Enabled {
		t.Errorf("expected metrics disabled")
	}
	if cfg.PubSub.Subscription != "notifications-pull" || cfg.Storage.ReportsBucket != "reports-prod" {
		t.Errorf("unexpected queue/storage config %+v %+v", cfg.PubSub, cfg.Storage)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "PORT=7070\nFIREBASE_PROJECT_ID=\"dot-project\"\n# comment\nexport MARKETPLACE_CLIENT_ID=dot-app\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "dot-project" || cfg.Marketplace.ClientID != "dot-app" {
		t.Errorf("unexpected dotenv values %+v %+v", cfg.Firebase, cfg.Marketplace)
	}
}

func TestLoadIgnoresMissingDotEnv(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	if err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{"SYNC_CLAIM_LEASE": "-1s"}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := map[string]bool{}
	for _, f := range validation.Fields() {
		fields[f] = true
	}
	for _, want := range []string{"Firebase.ProjectID", "Marketplace.ClientID", "Sync.ClaimLease"} {
		if !fields[want] {
			t.Errorf("expected %s in %v", want, validation.Fields())
		}
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["MARKETPLACE_CLIENT_SECRET"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" || !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("unexpected secret error %v", secretErr)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "FIREBASE_PROJECT_ID=dot-project\nSECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{"FIREBASE_PROJECT_ID": "override-project"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env value, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Storefront.WebhookSecret", "Storefront.WebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.Names(); len(got) != 1 || got[0] != "Storefront.WebhookSecret" {
		t.Fatalf("unexpected names %v", got)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Storefront.WebhookSecret") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}
