package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"
)

// itemNameLimit is the gateway's field-length cap on item_details names.
const itemNameLimit = 50

// truncateName caps an item name at the gateway limit without splitting a
// multi-byte rune mid-sequence.
func truncateName(name string) string {
	if len(name) <= itemNameLimit {
		return name
	}
	end := itemNameLimit
	for end > 0 && !utf8.RuneStart(name[end]) {
		end--
	}
	return name[:end]
}

// ErrTransactionNotFound reports that the gateway has no transaction for the
// queried order number.
var ErrTransactionNotFound = errors.New("transaction not found at gateway")

// Client wraps the payment gateway's token and transaction-status endpoints.
// The server key authenticates outbound calls via HTTP basic auth.
type Client struct {
	BaseURL   string
	ServerKey string
	HTTP      *http.Client
	Logger    *logger.Logger
}

func NewClient(baseURL, serverKey string, httpClient *http.Client, log *logger.Logger) *Client {
	return &Client{
		BaseURL:   baseURL,
		ServerKey: serverKey,
		HTTP:      httpClient,
		Logger:    log,
	}
}

// CreateToken posts a token request for the gateway's hosted checkout and
// returns the token plus redirect URL. Any non-2xx response is an error; the
// caller is responsible for rolling back the order and its reservations.
func (c *Client) CreateToken(ctx context.Context, req *models.TokenRequest) (*models.TokenResponse, error) {
	for i := range req.ItemDetails {
		req.ItemDetails[i].Name = truncateName(req.ItemDetails[i].Name)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	httpReq.SetBasicAuth(c.ServerKey, "")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway token call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		c.Logger.Error("GATEWAY", fmt.Sprintf("Token request for order %s failed: status %d body %s",
			req.TransactionDetails.OrderID, resp.StatusCode, string(respBody)))
		return nil, fmt.Errorf("gateway token request failed: status %d", resp.StatusCode)
	}

	var tokenResp models.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.Token == "" {
		return nil, fmt.Errorf("gateway returned empty token for order %s", req.TransactionDetails.OrderID)
	}

	c.Logger.Info("GATEWAY", fmt.Sprintf("Created payment token for order %s", req.TransactionDetails.OrderID))
	return &tokenResp, nil
}

// QueryStatus actively polls the gateway for a transaction's status. This is
// the fallback path when the passive webhook is delayed, lost, or the
// client's browser closed before the callback redirect completed.
func (c *Client) QueryStatus(ctx context.Context, orderNumber string) (*models.GatewayNotification, error) {
	url := fmt.Sprintf("%s/v1/transactions/%s/status", c.BaseURL, orderNumber)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	httpReq.SetBasicAuth(c.ServerKey, "")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway status call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The customer never opened the payment page, so the gateway has no
		// transaction for this order at all.
		return nil, fmt.Errorf("order %s: %w", orderNumber, ErrTransactionNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway status query for %s failed: status %d", orderNumber, resp.StatusCode)
	}

	var payload models.GatewayNotification
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &payload, nil
}
