package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	metricNamespace     = "github.com/stocksync/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// references against Google Secret Manager. Values are cached for a
// bounded time so rotated webhook secrets and OAuth client secrets are picked up without restarts.
// A local KEY=VALUE file keyed by secret name serves development and emulator setups.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]cacheEntry

	latency        metric.Float64Histogram
	latencyEnabled bool
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	ttl          time.Duration
	now          func() time.Time
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithProject sets the Secret Manager project. Without one only the fallback file is consulted.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a resolved value is reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock injects a clock for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal: the fetcher then
// serves only the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret resolution"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}

	f := &Fetcher{
		logger:         cfg.logger,
		project:        cfg.project,
		ttl:            cfg.ttl,
		now:            cfg.now,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cacheEntry),
		latency:        latency,
		latencyEnabled: err == nil,
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case cfg.project != "":
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value for references of the form secret://name[?version=N&project=P].
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	if value, ok := f.cached(parsed.key()); ok {
		f.recordLatency(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.project
	}
	if project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, project, parsed)
		if err == nil {
			f.store(parsed.key(), value)
			f.recordLatency(ctx, start, "remote")
			return value, nil
		}
		if !isFallbackError(err) {
			f.recordLatency(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, err := f.lookupFallback(parsed.name)
	if err != nil {
		f.recordLatency(ctx, start, "error")
		return "", err
	}
	f.store(parsed.key(), value)
	f.recordLatency(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops every cached version of the referenced secret.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, parsed.name+"@") {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !f.now().Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cacheEntry{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (f *Fetcher) lookupFallback(name string) (string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		path, err := filepath.Abs(f.fallbackPath)
		if err != nil {
			path = f.fallbackPath
		}
		values, err := godotenv.Read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			f.fallbackErr = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
		default:
			f.fallback = values
		}
	})
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	value, ok := f.fallback[name]
	if !ok {
		return "", fmt.Errorf("secrets: no value for %s", name)
	}
	return value, nil
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string) {
	if !f.latencyEnabled {
		return
	}
	elapsed := f.now().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.name + "@" + r.version
}

func parseReference(ref string) (reference, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		trimmed = "secret://" + rest
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{name: name, version: version, project: strings.TrimSpace(query.Get("project"))}, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
