// Package messaging sends outbound customer messages through the graph
// API's messages endpoint for the merchant's business account.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
)

// Client is an HTTP client for the messages endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logrus.Entry
}

// NewClient builds a messaging client against the graph API base URL.
func NewClient(baseURL string, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		log:        log.WithField("component", "messaging"),
	}
}

// SendMessage delivers one message of the given type to a recipient on
// behalf of the merchant.
func (c *Client) SendMessage(ctx context.Context, creds models.MerchantCredentials, to, messageType, content string) error {
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              messageType,
		messageType:         map[string]any{"body": content},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.WabaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return catalog.ParseErrorResponse(resp)
	}
	return nil
}
