// Package catalog talks to the remote commerce-catalog graph API. Only the
// slice of the protocol the engine depends on is modeled: item create,
// update, delete, batch image update, fetch-by-retailer-ids, and the
// rate-limit signaling on error responses.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
)

// Graph error codes that signal throttling.
const (
	codeTooManyCalls     = 4
	codeUserRequestLimit = 17
	codeAppRequestLimit  = 32
	codeThrottled        = 80004
)

const defaultRetryAfter = 60 * time.Second

// Item is the remote representation of a catalog product.
type Item struct {
	RetailerID   string `json:"retailer_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Price        string `json:"price"` // e.g. "150.00 NGN"
	Availability string `json:"availability"`
	ImageURL     string `json:"image_url"`
	URL          string `json:"url"`
}

// ImageUpdate targets one item's primary image in a batch image update.
type ImageUpdate struct {
	RetailerID string
	ImageURL   string
}

// APIError is a non-2xx response from the graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog api: status=%d code=%d: %s", e.StatusCode, e.Code, e.Message)
}

// Throttled reports whether the upstream explicitly asked us to back off.
func (e *APIError) Throttled() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	switch e.Code {
	case codeTooManyCalls, codeUserRequestLimit, codeAppRequestLimit, codeThrottled:
		return true
	}
	return false
}

// Client is an HTTP client for the remote catalog.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logrus.Entry
}

// NewClient builds a catalog client against baseURL.
func NewClient(baseURL string, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		log:        log.WithField("component", "catalog"),
	}
}

type batchRequest struct {
	Method     string         `json:"method"`
	RetailerID string         `json:"retailer_id"`
	Data       map[string]any `json:"data,omitempty"`
}

// CreateProduct upserts a new item under the merchant's catalog.
func (c *Client) CreateProduct(ctx context.Context, creds models.MerchantCredentials, item Item) error {
	return c.sendBatch(ctx, creds, []batchRequest{{
		Method:     "CREATE",
		RetailerID: item.RetailerID,
		Data:       itemData(item),
	}})
}

// UpdateProduct pushes changed fields for an existing item.
func (c *Client) UpdateProduct(ctx context.Context, creds models.MerchantCredentials, item Item) error {
	return c.sendBatch(ctx, creds, []batchRequest{{
		Method:     "UPDATE",
		RetailerID: item.RetailerID,
		Data:       itemData(item),
	}})
}

// DeleteProduct removes an item by retailer id.
func (c *Client) DeleteProduct(ctx context.Context, creds models.MerchantCredentials, retailerID string) error {
	return c.sendBatch(ctx, creds, []batchRequest{{
		Method:     "DELETE",
		RetailerID: retailerID,
	}})
}

// UpdateImages pushes primary-image changes for several items in one call.
func (c *Client) UpdateImages(ctx context.Context, creds models.MerchantCredentials, updates []ImageUpdate) error {
	reqs := make([]batchRequest, 0, len(updates))
	for _, u := range updates {
		reqs = append(reqs, batchRequest{
			Method:     "UPDATE",
			RetailerID: u.RetailerID,
			Data:       map[string]any{"image_url": u.ImageURL},
		})
	}
	return c.sendBatch(ctx, creds, reqs)
}

func (c *Client) sendBatch(ctx context.Context, creds models.MerchantCredentials, reqs []batchRequest) error {
	body, err := json.Marshal(map[string]any{
		"allow_upsert": true,
		"requests":     reqs,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/items_batch", c.baseURL, creds.CatalogID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return ParseErrorResponse(resp)
	}
	return nil
}

// FetchByRetailerIDs loads the remote representation for each retailer id.
// Items missing remotely are simply absent from the returned map.
func (c *Client) FetchByRetailerIDs(ctx context.Context, creds models.MerchantCredentials, retailerIDs []string) (map[string]Item, error) {
	filter, err := json.Marshal(map[string]any{
		"retailer_id": map[string]any{"is_any": retailerIDs},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	params := url.Values{}
	params.Set("fields", "retailer_id,name,description,price,availability,image_url,url")
	params.Set("filter", string(filter))
	params.Set("limit", strconv.Itoa(len(retailerIDs)))

	endpoint := fmt.Sprintf("%s/%s/products?%s", c.baseURL, creds.CatalogID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, ParseErrorResponse(resp)
	}

	var out struct {
		Data []Item `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}

	items := make(map[string]Item, len(out.Data))
	for _, item := range out.Data {
		items[item.RetailerID] = item
	}
	return items, nil
}

// ParseErrorResponse decodes a graph API error body into an *APIError,
// picking up the retry-after signal for throttled responses. Shared by
// every client that talks to the same graph surface.
func ParseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Code
		apiErr.Message = parsed.Error.Message
	} else {
		apiErr.Message = string(body)
	}

	if apiErr.Throttled() {
		apiErr.RetryAfter = defaultRetryAfter
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}

func itemData(item Item) map[string]any {
	data := map[string]any{
		"name":         item.Name,
		"description":  item.Description,
		"price":        item.Price,
		"availability": item.Availability,
	}
	if item.ImageURL != "" {
		data["image_url"] = item.ImageURL
	}
	if item.URL != "" {
		data["url"] = item.URL
	}
	return data
}
