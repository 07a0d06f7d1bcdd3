package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/quantity"
)

// DefaultURL is the connector's default settlement endpoint.
const DefaultURL = "http://localhost:7771"

// DefaultTimeout bounds every request to the connector.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Config configures the HTTP connector client.
type Config struct {
	// URL is the base URL used for both endpoints unless overridden.
	URL string `json:"url" mapstructure:"url" yaml:"url"`

	// CreditURL is the base URL for crediting incoming settlements (optional).
	CreditURL string `json:"credit_url" mapstructure:"credit_url" yaml:"credit_url"`

	// MessageURL is the base URL for relaying peer messages (optional).
	MessageURL string `json:"message_url" mapstructure:"message_url" yaml:"message_url"`

	// Timeout for requests (optional, defaults to 10s).
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client `json:"-" mapstructure:"-" yaml:"-"`
}

// Client implements Connector over the connector's HTTP API.
type Client struct {
	creditURL  string
	messageURL string
	httpClient *http.Client
}

var _ Connector = (*Client)(nil)

// NewClient creates a connector client.
func NewClient(cfg Config) *Client {
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	creditURL := cfg.CreditURL
	if creditURL == "" {
		creditURL = base
	}
	messageURL := cfg.MessageURL
	if messageURL == "" {
		messageURL = base
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		creditURL:  strings.TrimRight(creditURL, "/"),
		messageURL: strings.TrimRight(messageURL, "/"),
		httpClient: httpClient,
	}
}

// CreditSettlement posts the amount as a Quantity to
// {creditURL}/accounts/{id}/settlements. Only 201 Created counts as success.
func (c *Client) CreditSettlement(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	q, err := quantity.ToQuantity(amount)
	if err != nil {
		return fmt.Errorf("connector: encode credit: %w", err)
	}
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("connector: encode credit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL(c.creditURL, accountID, "settlements"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connector: create credit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connector: credit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return statusError("credit settlement", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SendMessage posts the message to {messageURL}/accounts/{id}/messages as
// an octet stream and returns the raw response body.
func (c *Client) SendMessage(ctx context.Context, accountID string, message json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL(c.messageURL, accountID, "messages"), bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("connector: create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: message request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("send message", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("connector: read message response: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func (c *Client) accountURL(base, accountID, resource string) string {
	return base + "/accounts/" + url.PathEscape(accountID) + "/" + resource
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
