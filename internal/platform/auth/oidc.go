package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const defaultJWKSRefreshInterval = 15 * time.Minute

// JWKSCache fetches the Google signing keys and keeps them until Cache-Control max-age lapses.
// An unknown kid forces one refresh so key rotation never waits for expiry.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Key resolves the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := len(c.keys) > 0 && c.now().Before(c.expiry)
	if fresh {
		if jwk, ok := c.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %w", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := defaultJWKSRefreshInterval
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}
	c.keys = keys
	c.expiry = c.now().Add(validity)
	return nil
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator authenticates Pub/Sub push requests, which carry a Google-signed OIDC token for
// the subscription's service account.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// PushPolicy lists what a push token must carry.
type PushPolicy struct {
	Audience string
	Issuers  []string
	// ServiceAccountEmail restricts the signer when set; its email must also be verified.
	ServiceAccountEmail string
}

// ServiceIdentity captures the authenticated push sender.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequirePushToken rejects requests without a valid token for the policy.
func (v *OIDCValidator) RequirePushToken(policy PushPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := make(map[string]struct{}, len(policy.Issuers))
	for _, issuer := range policy.Issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	account := strings.ToLower(strings.TrimSpace(policy.ServiceAccountEmail))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			fail := func(status int, reason, message string) {
				v.record(ctx, false, reason, start)
				respondAuthError(ctx, w, status, "invalid_token", message)
			}

			if audience == "" || v.cache == nil {
				fail(http.StatusServiceUnavailable, "not_configured", "push authentication not configured")
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				fail(http.StatusUnauthorized, "token_missing", "push token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("auth: token missing kid header")
				}
				return v.cache.Key(ctx, kid)
			})
			if err != nil {
				v.logger.Debug("auth: push token rejected", zap.Error(err))
				if errors.Is(err, ErrJWKSFetchFailed) {
					fail(http.StatusServiceUnavailable, "jwks_unavailable", "push token verification unavailable")
					return
				}
				fail(http.StatusUnauthorized, "token_invalid", "push token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := issuers[issuer]; len(issuers) > 0 && !ok {
				fail(http.StatusUnauthorized, "issuer_mismatch", "push token issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				fail(http.StatusUnauthorized, "audience_mismatch", "push token audience mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if account != "" {
				verified, _ := claims["email_verified"].(bool)
				if !verified || !strings.EqualFold(email, account) {
					fail(http.StatusForbidden, "sender_mismatch", "push token sender not allowed")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, &ServiceIdentity{
				Subject: subject,
				Email:   email,
				Issuer:  issuer,
			})))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
	}
}
