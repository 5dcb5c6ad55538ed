// Package storefront implements the admin API client for the tenant's shop.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stocksync/api/internal/channels"
	domain "github.com/stocksync/api/internal/domain"
)

const (
	defaultAPIVersion = "2021-01"
	defaultTimeout    = 30 * time.Second
	maxVariantMatches = 10
)

// Config controls API version and transport.
type Config struct {
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the admin API of a single shop using its static access token.
type Client struct {
	baseURL    string
	apiVersion string
	token      string
	locationID string
	http       *http.Client
}

// NewClient binds a client to the storefront account.
func NewClient(cfg Config, account domain.ChannelAccount) (*Client, error) {
	if account.Channel != domain.ChannelStorefront {
		return nil, fmt.Errorf("storefront: account %s belongs to channel %q", account.ID, account.Channel)
	}
	base := strings.TrimRight(strings.TrimSpace(account.BaseURL), "/")
	if base == "" {
		return nil, errors.New("storefront: shop base url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	if strings.TrimSpace(account.Credentials.AccessToken) == "" {
		return nil, errors.New("storefront: access token is required")
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    base,
		apiVersion: version,
		token:      account.Credentials.AccessToken,
		locationID: account.LocationID,
		http:       httpClient,
	}, nil
}

// LocationID returns the location global id inventory changes apply to.
func (c *Client) LocationID() string {
	return c.locationID
}

const variantsBySKUQuery = `query variantsBySku($query: String!, $first: Int!, $locationId: ID!) {
  productVariants(first: $first, query: $query) {
    edges {
      node {
        id
        sku
        title
        displayName
        inventoryQuantity
        legacyResourceId
        inventoryItem {
          id
          legacyResourceId
          inventoryLevel(locationId: $locationId) { id }
        }
      }
    }
  }
}`

type variantNode struct {
	ID                string `json:"id"`
	SKU               string `json:"sku"`
	Title             string `json:"title"`
	DisplayName       string `json:"displayName"`
	InventoryQuantity int    `json:"inventoryQuantity"`
	LegacyResourceID  string `json:"legacyResourceId"`
	InventoryItem     struct {
		ID               string `json:"id"`
		LegacyResourceID string `json:"legacyResourceId"`
		InventoryLevel   *struct {
			ID string `json:"id"`
		} `json:"inventoryLevel"`
	} `json:"inventoryItem"`
}

// SearchVariantsBySKU returns the variants whose SKU search matches. The search is fuzzy on the remote
// side; callers filter for exact matches.
func (c *Client) SearchVariantsBySKU(ctx context.Context, sku string) ([]domain.StorefrontVariant, error) {
	var data struct {
		ProductVariants struct {
			Edges []struct {
				Node variantNode `json:"node"`
			} `json:"edges"`
		} `json:"productVariants"`
	}
	vars := map[string]any{
		"query":      "sku:" + sku,
		"first":      maxVariantMatches,
		"locationId": c.locationID,
	}
	if err := c.graphql(ctx, "storefront.search_variants", variantsBySKUQuery, vars, &data); err != nil {
		return nil, err
	}
	variants := make([]domain.StorefrontVariant, 0, len(data.ProductVariants.Edges))
	for _, edge := range data.ProductVariants.Edges {
		node := edge.Node
		variant := domain.StorefrontVariant{
			ID:                    node.ID,
			LegacyID:              node.LegacyResourceID,
			SKU:                   node.SKU,
			Title:                 node.Title,
			DisplayName:           node.DisplayName,
			InventoryQuantity:     node.InventoryQuantity,
			InventoryItemID:       node.InventoryItem.ID,
			InventoryItemLegacyID: node.InventoryItem.LegacyResourceID,
		}
		if node.InventoryItem.InventoryLevel != nil {
			variant.InventoryLevelID = node.InventoryItem.InventoryLevel.ID
		}
		variants = append(variants, variant)
	}
	return variants, nil
}

const adjustQuantityMutation = `mutation adjust($input: InventoryAdjustQuantityInput!) {
  inventoryAdjustQuantity(input: $input) {
    inventoryLevel { id available }
    userErrors { field message }
  }
}`

// AdjustInventoryLevel applies delta to a single inventory level.
func (c *Client) AdjustInventoryLevel(ctx context.Context, levelID string, delta int) (domain.InventoryLevel, error) {
	var data struct {
		InventoryAdjustQuantity struct {
			InventoryLevel *struct {
				ID        string `json:"id"`
				Available int    `json:"available"`
			} `json:"inventoryLevel"`
			UserErrors json.RawMessage `json:"userErrors"`
		} `json:"inventoryAdjustQuantity"`
	}
	vars := map[string]any{"input": map[string]any{"inventoryLevelId": levelID, "availableDelta": delta}}
	const op = "storefront.adjust_inventory"
	if err := c.graphql(ctx, op, adjustQuantityMutation, vars, &data); err != nil {
		return domain.InventoryLevel{}, err
	}
	if err := userErrors(op, data.InventoryAdjustQuantity.UserErrors); err != nil {
		return domain.InventoryLevel{}, err
	}
	var level domain.InventoryLevel
	if returned := data.InventoryAdjustQuantity.InventoryLevel; returned != nil {
		level = domain.InventoryLevel{ID: returned.ID, Available: returned.Available}
	}
	return level, nil
}

const bulkAdjustMutation = `mutation bulkAdjust($adjustments: [InventoryAdjustItemInput!]!, $locationId: ID!) {
  inventoryBulkAdjustQuantityAtLocation(inventoryItemAdjustments: $adjustments, locationId: $locationId) {
    inventoryLevels { id available }
    userErrors { field message }
  }
}`

// BulkAdjustInventory applies several deltas at the shop location in one call.
func (c *Client) BulkAdjustInventory(ctx context.Context, deltas []domain.InventoryDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	adjustments := make([]map[string]any, 0, len(deltas))
	for _, d := range deltas {
		adjustments = append(adjustments, map[string]any{"inventoryItemId": d.InventoryItemID, "availableDelta": d.Delta})
	}
	var data struct {
		Result struct {
			UserErrors json.RawMessage `json:"userErrors"`
		} `json:"inventoryBulkAdjustQuantityAtLocation"`
	}
	const op = "storefront.bulk_adjust_inventory"
	vars := map[string]any{"adjustments": adjustments, "locationId": c.locationID}
	if err := c.graphql(ctx, op, bulkAdjustMutation, vars, &data); err != nil {
		return err
	}
	return userErrors(op, data.Result.UserErrors)
}

// SetInventoryLevel sets the available quantity of an inventory item at the shop location.
func (c *Client) SetInventoryLevel(ctx context.Context, inventoryItemLegacyID string, quantity int) error {
	itemID, err := strconv.ParseInt(lastSegment(inventoryItemLegacyID), 10, 64)
	if err != nil {
		return fmt.Errorf("storefront: invalid inventory item id %q: %w", inventoryItemLegacyID, err)
	}
	locationID, err := strconv.ParseInt(lastSegment(c.locationID), 10, 64)
	if err != nil {
		return fmt.Errorf("storefront: invalid location id %q: %w", c.locationID, err)
	}
	body := map[string]any{
		"location_id":       locationID,
		"inventory_item_id": itemID,
		"available":         quantity,
	}
	return c.rest(ctx, "storefront.set_inventory", http.MethodPost, "/inventory_levels/set.json", body, nil)
}

const productCreateMutation = `mutation productCreate($input: ProductInput!) {
  productCreate(input: $input) {
    product { id title }
    userErrors { field message }
  }
}`

// CreateProduct creates a product with optional variants.
func (c *Client) CreateProduct(ctx context.Context, input domain.ProductInput) (domain.Product, error) {
	payload := map[string]any{
		"title":           input.Title,
		"descriptionHtml": input.DescriptionHTML,
	}
	if input.Vendor != "" {
		payload["vendor"] = input.Vendor
	}
	if input.ProductType != "" {
		payload["productType"] = input.ProductType
	}
	if len(input.Tags) > 0 {
		payload["tags"] = input.Tags
	}
	if len(input.Variants) > 0 {
		variants := make([]map[string]any, 0, len(input.Variants))
		for _, v := range input.Variants {
			variant := map[string]any{"sku": v.SKU}
			if v.Price != "" {
				variant["price"] = v.Price
			}
			if c.locationID != "" {
				variant["inventoryQuantities"] = []map[string]any{{"availableQuantity": v.InventoryQuantity, "locationId": c.locationID}}
			}
			variants = append(variants, variant)
		}
		payload["variants"] = variants
	}

	var data struct {
		ProductCreate struct {
			Product *struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"product"`
			UserErrors json.RawMessage `json:"userErrors"`
		} `json:"productCreate"`
	}
	const op = "storefront.create_product"
	if err := c.graphql(ctx, op, productCreateMutation, map[string]any{"input": payload}, &data); err != nil {
		return domain.Product{}, err
	}
	if err := userErrors(op, data.ProductCreate.UserErrors); err != nil {
		return domain.Product{}, err
	}
	if data.ProductCreate.Product == nil {
		return domain.Product{}, fmt.Errorf("%s: empty product in response", op)
	}
	return domain.Product{ID: data.ProductCreate.Product.ID, Title: data.ProductCreate.Product.Title}, nil
}

// ShopName returns the shop's display name; used to validate credentials at link time.
func (c *Client) ShopName(ctx context.Context) (string, error) {
	var data struct {
		Shop struct {
			Name string `json:"name"`
		} `json:"shop"`
	}
	if err := c.graphql(ctx, "storefront.shop", `query { shop { name } }`, nil, &data); err != nil {
		return "", err
	}
	return data.Shop.Name, nil
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, op, query string, variables map[string]any, out any) error {
	body := map[string]any{"query": query}
	if len(variables) > 0 {
		body["variables"] = variables
	}
	var resp graphqlResponse
	if err := c.rest(ctx, op, http.MethodPost, "/graphql.json", body, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 && string(resp.Errors) != "null" {
		return &channels.RemoteError{Op: op, Status: http.StatusOK, Body: resp.Errors}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func (c *Client) rest(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}
	target := c.baseURL + "/admin/api/" + c.apiVersion + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channels.NewRemoteError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func userErrors(op string, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "[]" {
		return nil
	}
	return &channels.RemoteError{Op: op, Status: http.StatusUnprocessableEntity, Body: channels.RawPayload(trimmed)}
}

// lastSegment extracts the numeric tail of a global id such as gid://shopify/Location/123.
func lastSegment(id string) string {
	id = strings.TrimSpace(id)
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}
