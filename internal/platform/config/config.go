package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultLogLevel             = "info"
	defaultEnvironment          = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultMarketplaceBaseURL   = "https://api.mercadolibre.com"
	defaultChannelTimeout       = 30 * time.Second
	defaultStorefrontAPIVersion = "2021-01"
	defaultWebhookReplayTTL     = 24 * time.Hour
	defaultWebhookRateLimit     = 600
	defaultNotificationsTopic   = "marketplace-notifications"
	defaultListingStatus        = "active"
	defaultFanOutLimit          = 8
	defaultClaimLease           = 5 * time.Minute
	defaultRecordTTL            = 15 * 24 * time.Hour
	defaultMetricsPath          = "/metrics"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Logging       LoggingConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Storage       StorageConfig
	PubSub        PubSubConfig
	Marketplace   MarketplaceConfig
	Storefront    StorefrontConfig
	Notifications NotificationConfig
	Sync          SyncConfig
	Security      SecurityConfig
	Metrics       MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LoggingConfig selects the minimum zap level.
type LoggingConfig struct {
	Level string
}

// FirebaseConfig stores Firebase project settings used for tenant authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// TxAttempts and TxTimeout bound the claim and record transactions. Zero keeps the client defaults.
	TxAttempts int
	TxTimeout  time.Duration
}

// StorageConfig names the bucket receiving reconciliation reports. Empty disables archiving.
type StorageConfig struct {
	ReportsBucket string
}

// PubSubConfig wires the marketplace notification queue.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
	// Subscription enables the in-process pull consumer when set. Push delivery goes through
	// the internal HTTP route instead.
	Subscription string
	EmulatorHost string
}

// MarketplaceConfig holds the OAuth application registered with the marketplace.
type MarketplaceConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// StorefrontConfig controls the admin API client and webhook verification.
type StorefrontConfig struct {
	APIVersion    string
	WebhookSecret string
	Timeout       time.Duration
}

// NotificationConfig configures the operator chat sink.
type NotificationConfig struct {
	SlackWebhookURL string
}

// SyncConfig tunes the adjustment engine and reconciliation controller.
type SyncConfig struct {
	ListingStatus string
	FanOutLimit   int
	ClaimLease    time.Duration
	RecordTTL     time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment      string
	OIDC             OIDCConfig
	WebhookReplayTTL time.Duration
	// WebhookRateLimit caps webhook deliveries per client address and minute. Zero disables it.
	WebhookRateLimit int
}

// OIDCConfig controls Google-signed token verification for Pub/Sub push.
type OIDCConfig struct {
	JWKSURL             string
	Audience            string
	Issuers             []string
	ServiceAccountEmail string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are hashed so logs never carry them.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func defaultOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

// EnvironmentValues returns the effective key/value map after applying the same precedence as Load
// (dotenv < OS env < explicit env map). The secret fetcher is built from it before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Marketplace.ClientSecret") that must resolve to
// a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := EnvironmentValues(func(o *loaderOptions) { *o = options })
	if err != nil {
		return Config{}, err
	}
	env := lookup(values)

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("PORT", defaultPort),
			ReadTimeout:  env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(env.str("LOG_LEVEL", defaultLogLevel)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
			TxAttempts:   env.integer("FIRESTORE_TX_ATTEMPTS", 0),
			TxTimeout:    env.duration("FIRESTORE_TX_TIMEOUT", 0),
		},
		Storage: StorageConfig{
			ReportsBucket: env.str("STORAGE_REPORTS_BUCKET", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          env.str("PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: env.str("PUBSUB_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
			Subscription:       env.str("PUBSUB_NOTIFICATIONS_SUBSCRIPTION", ""),
			EmulatorHost:       env.str("PUBSUB_EMULATOR_HOST", ""),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:      env.str("MARKETPLACE_BASE_URL", defaultMarketplaceBaseURL),
			ClientID:     env.str("MARKETPLACE_CLIENT_ID", ""),
			ClientSecret: env.str("MARKETPLACE_CLIENT_SECRET", ""),
			Timeout:      env.duration("MARKETPLACE_TIMEOUT", defaultChannelTimeout),
		},
		Storefront: StorefrontConfig{
			APIVersion:    env.str("STOREFRONT_API_VERSION", defaultStorefrontAPIVersion),
			WebhookSecret: env.str("STOREFRONT_WEBHOOK_SECRET", ""),
			Timeout:       env.duration("STOREFRONT_TIMEOUT", defaultChannelTimeout),
		},
		Notifications: NotificationConfig{
			SlackWebhookURL: env.str("SLACK_WEBHOOK_URL", ""),
		},
		Sync: SyncConfig{
			ListingStatus: env.str("SYNC_LISTING_STATUS", defaultListingStatus),
			FanOutLimit:   env.integer("SYNC_FANOUT_LIMIT", defaultFanOutLimit),
			ClaimLease:    env.duration("SYNC_CLAIM_LEASE", defaultClaimLease),
			RecordTTL:     env.duration("SYNC_RECORD_TTL", defaultRecordTTL),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:             env.str("OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:            env.str("OIDC_AUDIENCE", ""),
				Issuers:             env.csv("OIDC_ISSUERS"),
				ServiceAccountEmail: env.str("OIDC_SERVICE_ACCOUNT_EMAIL", ""),
			},
			WebhookReplayTTL: env.duration("WEBHOOK_REPLAY_TTL", defaultWebhookReplayTTL),
			WebhookRateLimit: env.integer("WEBHOOK_RATE_LIMIT", defaultWebhookRateLimit),
		},
		Metrics: MetricsConfig{
			Enabled: env.boolean("METRICS_ENABLED", true),
			Path:    env.str("METRICS_PATH", defaultMetricsPath),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, "accounts.google.com"}
	}

	resolver := options.secret
	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Marketplace.ClientSecret", &cfg.Marketplace.ClientSecret},
		{"Storefront.WebhookSecret", &cfg.Storefront.WebhookSecret},
		{"Notifications.SlackWebhookURL", &cfg.Notifications.SlackWebhookURL},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.Marketplace.ClientID == "" {
		invalid = append(invalid, "Marketplace.ClientID")
	}
	if cfg.Marketplace.Timeout <= 0 {
		invalid = append(invalid, "Marketplace.Timeout")
	}
	if cfg.Storefront.Timeout <= 0 {
		invalid = append(invalid, "Storefront.Timeout")
	}
	if strings.TrimSpace(cfg.PubSub.NotificationsTopic) == "" {
		invalid = append(invalid, "PubSub.NotificationsTopic")
	}
	if cfg.Firestore.TxAttempts < 0 || cfg.Firestore.TxTimeout < 0 {
		invalid = append(invalid, "Firestore.Tx")
	}
	if cfg.Security.WebhookRateLimit < 0 {
		invalid = append(invalid, "Security.WebhookRateLimit")
	}
	if cfg.Sync.FanOutLimit < 0 {
		invalid = append(invalid, "Sync.FanOutLimit")
	}
	if cfg.Sync.ClaimLease <= 0 {
		invalid = append(invalid, "Sync.ClaimLease")
	}
	if cfg.Sync.RecordTTL <= 0 {
		invalid = append(invalid, "Sync.RecordTTL")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		invalid = append(invalid, "Metrics.Path")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

type lookup map[string]string

func (l lookup) str(key, fallback string) string {
	if value := strings.TrimSpace(l[key]); value != "" {
		return value
	}
	return fallback
}

func (l lookup) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(l[key])); err == nil {
		return d
	}
	return fallback
}

func (l lookup) integer(key string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(l[key])); err == nil {
		return parsed
	}
	return fallback
}

func (l lookup) boolean(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(l[key])) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (l lookup) csv(key string) []string {
	var out []string
	for _, part := range strings.Split(l[key], ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
