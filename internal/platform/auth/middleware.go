package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/platform/requestctx"
)

const (
	defaultTenantClaim   = "tenant_id"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator resolves the tenant of dashboard requests from Firebase ID tokens.
type Authenticator struct {
	verifier    TokenVerifier
	tenantClaim string
	timeout     time.Duration
	logger      *zap.Logger
	metrics     MetricsRecorder
	now         func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithTenantClaim names the custom claim carrying the tenant id. Tokens without it use the UID,
// so every operator owns a tenant by default.
func WithTenantClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.tenantClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAuthenticatorLogger sets the logger for verification failures.
func WithAuthenticatorLogger(logger *zap.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAuthenticatorMetrics records verification outcomes.
func WithAuthenticatorMetrics(metrics MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = metrics
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		tenantClaim: defaultTenantClaim,
		timeout:     defaultVerifyTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireTenant verifies the bearer token and stores the tenant identity on the context.
func (a *Authenticator) RequireTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := a.now()

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(ctx, false, "token_missing", start)
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a.verifier == nil {
				a.record(ctx, false, "verifier_unavailable", start)
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "authorization service unavailable")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				code, message := classifyVerificationError(err)
				a.logger.Debug("auth: firebase token rejected", zap.String("reason", code), zap.Error(err))
				a.record(ctx, false, code, start)
				respondAuthError(ctx, w, http.StatusUnauthorized, code, message)
				return
			}

			identity := &Identity{
				UID:      token.UID,
				TenantID: claimAsString(token.Claims, a.tenantClaim),
				Email:    claimAsString(token.Claims, "email"),
				token:    token,
			}
			if identity.TenantID == "" {
				identity.TenantID = token.UID
			}
			if identity.TenantID == "" {
				a.record(ctx, false, "tenant_missing", start)
				respondAuthError(ctx, w, http.StatusForbidden, "tenant_missing", "identity is not bound to a tenant")
				return
			}

			a.record(ctx, true, "ok", start)
			requestctx.RecordTenant(ctx, identity.TenantID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordVerification(ctx, "firebase", success, reason, a.now().Sub(start))
	}
}

func classifyVerificationError(err error) (string, string) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "firebase id token expired"
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return "token_revoked", "firebase id token revoked"
	default:
		return "invalid_token", "firebase id token invalid"
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
