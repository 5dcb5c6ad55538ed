// Package marketplace implements the REST client for marketplace seller accounts.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stocksync/api/internal/channels"
	domain "github.com/stocksync/api/internal/domain"
)

// maxAttempts bounds every call to the original attempt plus one retry after a credential refresh.
const maxAttempts = 2

// ErrPersistCredentials is returned when refreshed tokens could not be stored.
var ErrPersistCredentials = errors.New("marketplace: persist refreshed credentials")

// TokenSink persists refreshed credentials for an account.
type TokenSink func(ctx context.Context, creds domain.Credentials) error

// Client issues authenticated calls for a single seller account. A Client is owned by one unit of
// work and must not be shared across tenants.
type Client struct {
	baseURL  string
	http     *http.Client
	oauth    *OAuth
	sellerID string
	sink     TokenSink

	mu    sync.Mutex
	creds domain.Credentials

	// refreshMu serialises refreshes. Refresh tokens are single-use, so concurrent branches
	// that hit the same expired token must share one exchange.
	refreshMu sync.Mutex
}

// NewClient binds a client to the account's credentials. oauth may be nil, in which case a 401 is terminal.
func NewClient(cfg Config, oauth *OAuth, account domain.ChannelAccount, sink TokenSink) (*Client, error) {
	if account.Channel != domain.ChannelMarketplace {
		return nil, fmt.Errorf("marketplace: account %s belongs to channel %q", account.ID, account.Channel)
	}
	if strings.TrimSpace(account.ExternalAccountID) == "" {
		return nil, errors.New("marketplace: seller id is required")
	}
	base := cfg.baseURL()
	if strings.TrimSpace(account.BaseURL) != "" {
		base = strings.TrimRight(account.BaseURL, "/")
	}
	return &Client{
		baseURL:  base,
		http:     cfg.httpClient(),
		oauth:    oauth,
		sellerID: account.ExternalAccountID,
		sink:     sink,
		creds:    account.Credentials,
	}, nil
}

// SellerID returns the marketplace user id the client acts for.
func (c *Client) SellerID() string {
	return c.sellerID
}

// Credentials returns the current token pair.
func (c *Client) Credentials() domain.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

type searchResponse struct {
	Results []string `json:"results"`
}

// SearchListingsBySKU returns the seller's listing ids carrying the SKU.
func (c *Client) SearchListingsBySKU(ctx context.Context, sku string, filter domain.ListingFilter) ([]string, error) {
	query := url.Values{}
	query.Set("seller_sku", sku)
	if status := strings.TrimSpace(filter.Status); status != "" {
		query.Set("status", status)
	}
	var out searchResponse
	path := "/users/" + url.PathEscape(c.sellerID) + "/items/search"
	if err := c.do(ctx, "marketplace.search_listings", http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type attribute struct {
	ID        string `json:"id"`
	ValueName string `json:"value_name"`
}

type item struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	AvailableQuantity *int   `json:"available_quantity"`
	SellerCustomField string `json:"seller_custom_field"`
	Shipping          struct {
		LogisticType string `json:"logistic_type"`
	} `json:"shipping"`
	Variations []json.RawMessage `json:"variations"`
}

type variation struct {
	ID                json.Number `json:"id"`
	AvailableQuantity int         `json:"available_quantity"`
	SellerCustomField string      `json:"seller_custom_field"`
	Attributes        []attribute `json:"attributes"`
}

// GetListing fetches a listing with its variation attributes.
func (c *Client) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	query := url.Values{}
	query.Set("include_attributes", "all")
	var raw item
	if err := c.do(ctx, "marketplace.get_listing", http.MethodGet, "/items/"+url.PathEscape(id), query, nil, &raw); err != nil {
		return domain.Listing{}, err
	}
	return decodeListing(raw)
}

func decodeListing(raw item) (domain.Listing, error) {
	listing := domain.Listing{
		ID:          raw.ID,
		Status:      raw.Status,
		Fulfillment: raw.Shipping.LogisticType == "fulfillment",
		Kind:        domain.ListingKindSimple,
		Quantity:    raw.AvailableQuantity,
	}
	if len(raw.Variations) == 0 {
		return listing, nil
	}
	listing.Kind = domain.ListingKindVariations
	listing.Quantity = nil
	for _, payload := range raw.Variations {
		var v variation
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()
		if err := decoder.Decode(&v); err != nil {
			return domain.Listing{}, fmt.Errorf("marketplace: decode variation of %s: %w", raw.ID, err)
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			return domain.Listing{}, fmt.Errorf("marketplace: decode variation fields of %s: %w", raw.ID, err)
		}
		listing.Variations = append(listing.Variations, domain.Variation{
			ID:       v.ID.String(),
			SKU:      variationSKU(v),
			Quantity: v.AvailableQuantity,
			Fields:   fields,
		})
	}
	return listing, nil
}

func variationSKU(v variation) string {
	for _, attr := range v.Attributes {
		if attr.ID == "SELLER_SKU" {
			return attr.ValueName
		}
	}
	return v.SellerCustomField
}

// UpdateListing writes either the simple quantity or the full variation array back to the listing.
func (c *Client) UpdateListing(ctx context.Context, id string, patch domain.ListingPatch) error {
	body := map[string]any{}
	switch {
	case len(patch.Variations) > 0:
		variations := make([]map[string]json.RawMessage, 0, len(patch.Variations))
		for _, v := range patch.Variations {
			fields := make(map[string]json.RawMessage, len(v.Fields)+1)
			for key, value := range v.Fields {
				fields[key] = value
			}
			fields["available_quantity"] = json.RawMessage(strconv.Itoa(v.Quantity))
			variations = append(variations, fields)
		}
		body["variations"] = variations
	case patch.Quantity != nil:
		body["available_quantity"] = *patch.Quantity
	default:
		return errors.New("marketplace: empty listing patch")
	}
	return c.do(ctx, "marketplace.update_listing", http.MethodPut, "/items/"+url.PathEscape(id), nil, body, nil)
}

type orderResponse struct {
	ID          json.Number `json:"id"`
	Status      string      `json:"status"`
	Tags        []string    `json:"tags"`
	DateCreated time.Time   `json:"date_created"`
	Seller      struct {
		ID json.Number `json:"id"`
	} `json:"seller"`
	Shipping struct {
		ID json.Number `json:"id"`
	} `json:"shipping"`
	OrderItems []struct {
		Quantity int `json:"quantity"`
		Item     struct {
			ID          string      `json:"id"`
			SellerSKU   string      `json:"seller_sku"`
			VariationID json.Number `json:"variation_id"`
		} `json:"item"`
	} `json:"order_items"`
}

// GetOrder fetches an order. Line items without a seller SKU are dropped.
func (c *Client) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var raw orderResponse
	if err := c.do(ctx, "marketplace.get_order", http.MethodGet, "/orders/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:               raw.ID.String(),
		SellerExternalID: raw.Seller.ID.String(),
		Status:           raw.Status,
		Tags:             raw.Tags,
		ShipmentID:       raw.Shipping.ID.String(),
		CreatedAt:        raw.DateCreated.UTC(),
	}
	for _, line := range raw.OrderItems {
		if strings.TrimSpace(line.Item.SellerSKU) == "" {
			continue
		}
		order.LineItems = append(order.LineItems, domain.OrderLineItem{
			SKU:       line.Item.SellerSKU,
			Quantity:  line.Quantity,
			ListingID: line.Item.ID,
			VariantID: line.Item.VariationID.String(),
		})
	}
	return order, nil
}

// GetShipment fetches the logistics classification of a shipment.
func (c *Client) GetShipment(ctx context.Context, id string) (domain.Shipment, error) {
	var raw struct {
		ID           json.Number `json:"id"`
		LogisticType string      `json:"logistic_type"`
	}
	if err := c.do(ctx, "marketplace.get_shipment", http.MethodGet, "/shipments/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return domain.Shipment{}, err
	}
	return domain.Shipment{ID: raw.ID.String(), LogisticType: raw.LogisticType}, nil
}

// Me returns the nickname of the authenticated seller.
func (c *Client) Me(ctx context.Context) (string, error) {
	var raw struct {
		Nickname string `json:"nickname"`
	}
	if err := c.do(ctx, "marketplace.me", http.MethodGet, "/users/me", nil, nil, &raw); err != nil {
		return "", err
	}
	return raw.Nickname, nil
}

// UnansweredQuestions lists the seller's unanswered questions, newest first.
func (c *Client) UnansweredQuestions(ctx context.Context) ([]domain.Question, error) {
	query := url.Values{}
	query.Set("seller_id", c.sellerID)
	query.Set("sort_fields", "date_created")
	query.Set("sort_types", "DESC")
	query.Set("status", "UNANSWERED")
	var raw struct {
		Questions []struct {
			ID          json.Number `json:"id"`
			ItemID      string      `json:"item_id"`
			Text        string      `json:"text"`
			Status      string      `json:"status"`
			DateCreated string      `json:"date_created"`
		} `json:"questions"`
	}
	if err := c.do(ctx, "marketplace.questions", http.MethodGet, "/questions/search", query, nil, &raw); err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(raw.Questions))
	for _, q := range raw.Questions {
		questions = append(questions, domain.Question{
			ID:        q.ID.String(),
			ListingID: q.ItemID,
			Text:      q.Text,
			Status:    q.Status,
			CreatedAt: q.DateCreated,
		})
	}
	return questions, nil
}

// RefreshCredentials exchanges the refresh token for a new pair and persists it through the sink.
func (c *Client) RefreshCredentials(ctx context.Context) (domain.Credentials, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// refreshAfter refreshes unless the access token that was rejected has already been replaced by
// a sibling call, in which case the current pair is returned as is.
func (c *Client) refreshAfter(ctx context.Context, rejected string) (domain.Credentials, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if current := c.Credentials(); current.AccessToken != rejected {
		return current, nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) (domain.Credentials, error) {
	if c.oauth == nil {
		return domain.Credentials{}, errors.New("marketplace: credential refresh not configured")
	}
	current := c.Credentials()
	grant, err := c.oauth.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return domain.Credentials{}, err
	}
	next := domain.Credentials{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	c.mu.Lock()
	c.creds = next
	c.mu.Unlock()
	if c.sink != nil {
		if err := c.sink(ctx, next); err != nil {
			return next, fmt.Errorf("%w: %v", ErrPersistCredentials, err)
		}
	}
	return next, nil
}

// do sends the request, refreshing credentials once on a 401 and retrying exactly once.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		payload = encoded
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		used, err := c.send(ctx, op, method, target, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !channels.IsUnauthorized(err) || attempt == maxAttempts {
			break
		}
		// A failed persist still leaves fresh tokens in memory, so the retry proceeds.
		if _, refreshErr := c.refreshAfter(ctx, used); refreshErr != nil && !errors.Is(refreshErr, ErrPersistCredentials) {
			return errors.Join(err, refreshErr)
		}
	}
	return lastErr
}

// send returns the access token it authenticated with so a 401 can be matched to it.
func (c *Client) send(ctx context.Context, op, method, target string, payload []byte, out any) (string, error) {
	token := c.Credentials().AccessToken
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return token, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return token, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return token, channels.NewRemoteError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return token, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return token, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return token, nil
}
