package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	pushAudience = "https://stocksync.example.com/internal/pubsub/marketplace-notifications"
	pushAccount  = "pubsub-push@stocksync.iam.gserviceaccount.com"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last(t *testing.T) verificationRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("expected a verification record")
	}
	return m.records[len(m.records)-1]
}

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	mu       sync.Mutex
	requests int
}

func newJWKSFixture(t *testing.T, kid string) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fx := &jwksFixture{key: key}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}
	fx.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		fx.requests++
		fx.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(fx.server.Close)
	return fx
}

func (fx *jwksFixture) fetches() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.requests
}

func (fx *jwksFixture) sign(t *testing.T, kid string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            pushAudience,
		"sub":            "112233",
		"email":          pushAccount,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(fx.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func pushPolicy() PushPolicy {
	return PushPolicy{
		Audience:            pushAudience,
		Issuers:             []string{"https://accounts.google.com", "accounts.google.com"},
		ServiceAccountEmail: pushAccount,
	}
}

func servePush(t *testing.T, validator *OIDCValidator, policy PushPolicy, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	t.Helper()
	var identity *ServiceIdentity
	handler := validator.RequirePushToken(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/pubsub/marketplace-notifications", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, identity
}

func TestJWKSCache_KeyCachesKeys(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	cache := NewJWKSCache(fx.server.URL, WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }))

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if fx.fetches() != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", fx.fetches())
	}
}

func TestJWKSCache_RefreshesAfterMaxAge(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(fx.server.URL, WithJWKSClock(func() time.Time { return now }))

	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("cache.Key after expiry: %v", err)
	}
	if fx.fetches() != 2 {
		t.Fatalf("expected refetch after max-age, got %d fetches", fx.fetches())
	}
}

func TestJWKSCache_UnknownKidFails(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	cache := NewJWKSCache(fx.server.URL)

	_, err := cache.Key(context.Background(), "rotated")
	if !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
}

func TestParseMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=19800, must-revalidate": 19800 * time.Second,
		"max-age=0":                              0,
		"no-cache":                               0,
		"":                                       0,
	}
	for header, want := range cases {
		if got := parseMaxAge(header); got != want {
			t.Fatalf("parseMaxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestRequirePushToken_AcceptsServiceAccountToken(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(NewJWKSCache(fx.server.URL), WithOIDCMetrics(metrics))

	rr, identity := servePush(t, validator, pushPolicy(), fx.sign(t, "key1", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.Email != pushAccount || identity.Subject != "112233" {
		t.Fatalf("unexpected service identity: %+v", identity)
	}
	if record := metrics.last(t); record.kind != "oidc" || !record.success || record.reason != "ok" {
		t.Fatalf("unexpected metric record: %+v", record)
	}
}

func TestRequirePushToken_Rejections(t *testing.T) {
	fx := newJWKSFixture(t, "key1")

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		status int
		reason string
	}{
		{
			name:   "audience",
			mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" },
			status: http.StatusUnauthorized,
			reason: "audience_mismatch",
		},
		{
			name:   "issuer",
			mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			status: http.StatusUnauthorized,
			reason: "issuer_mismatch",
		},
		{
			name:   "expired",
			mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() },
			status: http.StatusUnauthorized,
			reason: "token_invalid",
		},
		{
			name:   "other sender",
			mutate: func(c jwt.MapClaims) { c["email"] = "someone@example.com" },
			status: http.StatusForbidden,
			reason: "sender_mismatch",
		},
		{
			name:   "unverified email",
			mutate: func(c jwt.MapClaims) { c["email_verified"] = false },
			status: http.StatusForbidden,
			reason: "sender_mismatch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			validator := NewOIDCValidator(NewJWKSCache(fx.server.URL), WithOIDCMetrics(metrics))

			rr, identity := servePush(t, validator, pushPolicy(), fx.sign(t, "key1", tc.mutate))

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if identity != nil {
				t.Fatal("handler must not run for rejected tokens")
			}
			if record := metrics.last(t); record.success || record.reason != tc.reason {
				t.Fatalf("unexpected metric record: %+v", record)
			}
		})
	}
}

func TestRequirePushToken_MissingToken(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	validator := NewOIDCValidator(NewJWKSCache(fx.server.URL))

	rr, _ := servePush(t, validator, pushPolicy(), "")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] != "invalid_token" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
	if fx.fetches() != 0 {
		t.Fatal("jwks must not be fetched without a token")
	}
}

func TestRequirePushToken_JWKSUnavailable(t *testing.T) {
	fx := newJWKSFixture(t, "key1")
	token := fx.sign(t, "key1", nil)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)

	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(NewJWKSCache(down.URL), WithOIDCMetrics(metrics))

	rr, _ := servePush(t, validator, pushPolicy(), token)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if record := metrics.last(t); record.reason != "jwks_unavailable" {
		t.Fatalf("unexpected metric record: %+v", record)
	}
}

func TestRequirePushToken_NotConfigured(t *testing.T) {
	validator := NewOIDCValidator(nil)

	rr, _ := servePush(t, validator, PushPolicy{}, "token")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
