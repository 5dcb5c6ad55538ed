package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stocksync/api/internal/platform/requestctx"
)

const (
	// StorefrontHMACHeader carries the base64 HMAC-SHA256 of the raw body.
	StorefrontHMACHeader       = "X-Shopify-Hmac-Sha256"
	StorefrontWebhookIDHeader  = "X-Shopify-Webhook-Id"
	StorefrontTopicHeader      = "X-Shopify-Topic"
	StorefrontShopDomainHeader = "X-Shopify-Shop-Domain"

	defaultWebhookBodyLimit = 1 << 20
	defaultReplayTTL        = 24 * time.Hour
	storefrontReplayScope   = "storefront"
)

// SecretSource returns the signing secrets currently accepted. More than one secret is valid
// while a rotation is in progress.
type SecretSource interface {
	SigningSecrets(ctx context.Context) ([]string, error)
}

// StaticSecrets is a fixed SecretSource.
type StaticSecrets []string

// SigningSecrets implements SecretSource.
func (s StaticSecrets) SigningSecrets(context.Context) ([]string, error) {
	if len(s) == 0 {
		return nil, errors.New("auth: webhook signing secret not configured")
	}
	return s, nil
}

// ParseSecrets splits a comma separated secret value.
func ParseSecrets(raw string) StaticSecrets {
	var out StaticSecrets
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReplayGuard remembers delivery ids. It is satisfied by the idempotency stores.
type ReplayGuard interface {
	Claim(ctx context.Context, scope, id string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scope, id string) error
}

// WebhookDelivery describes a verified storefront webhook call.
type WebhookDelivery struct {
	ID         string
	Topic      string
	ShopDomain string
}

type webhookDeliveryContextKey struct{}

// WebhookDeliveryFromContext returns the delivery stored by the verifier.
func WebhookDeliveryFromContext(ctx context.Context) (WebhookDelivery, bool) {
	delivery, ok := ctx.Value(webhookDeliveryContextKey{}).(WebhookDelivery)
	return delivery, ok
}

// WebhookVerifier authenticates storefront webhooks and suppresses redeliveries.
type WebhookVerifier struct {
	secrets   SecretSource
	replay    ReplayGuard
	replayTTL time.Duration
	bodyLimit int64
	logger    *zap.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// WithReplayGuard enables duplicate suppression on the webhook id header.
func WithReplayGuard(guard ReplayGuard, ttl time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		v.replay = guard
		if ttl > 0 {
			v.replayTTL = ttl
		}
	}
}

// WithWebhookBodyLimit caps the accepted body size.
func WithWebhookBodyLimit(limit int64) WebhookOption {
	return func(v *WebhookVerifier) {
		if limit > 0 {
			v.bodyLimit = limit
		}
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookMetrics sets the metrics recorder.
func WithWebhookMetrics(recorder MetricsRecorder) WebhookOption {
	return func(v *WebhookVerifier) {
		v.metrics = recorder
	}
}

// WithWebhookClock injects a custom clock.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier constructs a verifier for storefront webhooks.
func NewWebhookVerifier(secrets SecretSource, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{
		secrets:   secrets,
		replayTTL: defaultReplayTTL,
		bodyLimit: defaultWebhookBodyLimit,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireStorefrontSignature rejects unsigned or mis-signed requests. A delivery id already
// claimed answers 200 with {"status":"duplicate"}; the claim is released when the handler
// answers 5xx so the sender's retry is processed.
func (v *WebhookVerifier) RequireStorefrontSignature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()

			signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Header.Get(StorefrontHMACHeader)))
			if err != nil || len(signature) == 0 {
				v.record(ctx, false, "signature_missing", start)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_signature", "webhook signature missing")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, v.bodyLimit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					v.record(ctx, false, "body_too_large", start)
					respondAuthError(ctx, w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large")
					return
				}
				v.record(ctx, false, "body_unreadable", start)
				respondAuthError(ctx, w, http.StatusBadRequest, "invalid_request", "webhook body unreadable")
				return
			}

			if v.secrets == nil {
				v.record(ctx, false, "not_configured", start)
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook verification not configured")
				return
			}
			secrets, err := v.secrets.SigningSecrets(ctx)
			if err != nil {
				v.logger.Error("auth: webhook secrets unavailable", zap.Error(err))
				v.record(ctx, false, "secret_unavailable", start)
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook verification unavailable")
				return
			}
			if !signatureMatches(body, signature, secrets) {
				v.record(ctx, false, "signature_mismatch", start)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch")
				return
			}
			v.record(ctx, true, "ok", start)

			delivery := WebhookDelivery{
				ID:         strings.TrimSpace(r.Header.Get(StorefrontWebhookIDHeader)),
				Topic:      strings.TrimSpace(r.Header.Get(StorefrontTopicHeader)),
				ShopDomain: strings.TrimSpace(r.Header.Get(StorefrontShopDomainHeader)),
			}
			ctx = context.WithValue(ctx, webhookDeliveryContextKey{}, delivery)
			ctx = requestctx.WithDelivery(ctx, requestctx.DeliveryInfo{Source: storefrontReplayScope, ID: delivery.ID})
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(body))

			if v.replay == nil || delivery.ID == "" {
				next.ServeHTTP(w, r)
				return
			}

			fresh, err := v.replay.Claim(ctx, storefrontReplayScope, delivery.ID, v.now(), v.replayTTL)
			if err != nil {
				// Processing continues: the processed-order claim still guards the inventory writes.
				v.logger.Warn("auth: webhook replay guard unavailable", zap.String("delivery_id", delivery.ID), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !fresh {
				v.logger.Info("auth: duplicate webhook delivery", zap.String("delivery_id", delivery.ID))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusInternalServerError {
				if err := v.replay.Release(context.WithoutCancel(ctx), storefrontReplayScope, delivery.ID); err != nil {
					v.logger.Warn("auth: webhook replay release failed", zap.String("delivery_id", delivery.ID), zap.Error(err))
				}
			}
		})
	}
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "webhook", success, reason, v.now().Sub(start))
	}
}

func signatureMatches(body, signature []byte, secrets []string) bool {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), signature) {
			return true
		}
	}
	return false
}

// SignStorefrontBody computes the header value a storefront would send for body.
func SignStorefrontBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
