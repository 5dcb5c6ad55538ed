package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stocksync/api/internal/channels"
)

const (
	defaultBaseURL = "https://api.mercadolibre.com"
	defaultTimeout = 30 * time.Second
)

// Config describes the application registered with the marketplace.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func (c Config) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	return base
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// TokenGrant is the marketplace's OAuth token response.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// OAuth performs token exchanges against the marketplace authorization server.
type OAuth struct {
	cfg  Config
	http *http.Client
}

// NewOAuth constructs an OAuth helper for the configured application.
func NewOAuth(cfg Config) (*OAuth, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("marketplace: client id and secret are required")
	}
	return &OAuth{cfg: cfg, http: cfg.httpClient()}, nil
}

// ExchangeCode trades an authorization code for the seller's first token pair.
func (o *OAuth) ExchangeCode(ctx context.Context, code, redirectURI string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", strings.TrimSpace(code))
	form.Set("redirect_uri", strings.TrimSpace(redirectURI))
	return o.token(ctx, "marketplace.exchange_code", form)
}

// Refresh obtains a new token pair from a refresh token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenGrant{}, errors.New("marketplace: refresh token is empty")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return o.token(ctx, "marketplace.refresh", form)
}

func (o *OAuth) token(ctx context.Context, op string, form url.Values) (TokenGrant, error) {
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.baseURL()+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenGrant{}, channels.NewRemoteError(op, resp)
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return TokenGrant{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	if grant.AccessToken == "" {
		return TokenGrant{}, fmt.Errorf("%s: empty access token", op)
	}
	return grant, nil
}
