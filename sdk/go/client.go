package splitpaysdk

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
)

// Client is a minimal Splitpay HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Payment is the API payment-intent model.
type Payment struct {
	ID                    string  `json:"id"`
	MerchantID            string  `json:"merchant_id"`
	ProfileID             string  `json:"profile_id"`
	OrderAmount           int64   `json:"order_amount"`
	Currency              string  `json:"currency"`
	Status                string  `json:"status"`
	ActiveAttemptsGroupID *string `json:"active_attempts_group_id,omitempty"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

// Attempt is one executed settlement leg.
type Attempt struct {
	ID                     string  `json:"id"`
	IntentID               string  `json:"intent_id"`
	GroupID                string  `json:"group_id"`
	MethodType             string  `json:"payment_method_type"`
	MethodSubtype          string  `json:"payment_method_subtype,omitempty"`
	Amount                 int64   `json:"amount"`
	Status                 string  `json:"status"`
	Connector              string  `json:"connector,omitempty"`
	ConnectorTransactionID *string `json:"connector_transaction_id,omitempty"`
	ErrorMessage           *string `json:"error_message,omitempty"`
	CreatedAt              string  `json:"created_at"`
}

// GiftCard declares one stored-value instrument in a confirm request.
type GiftCard struct {
	Provider string `json:"provider"`
	Number   string `json:"number"`
	CVC      string `json:"cvc,omitempty"`
}

// Card declares the primary general-purpose instrument.
type Card struct {
	Number     string `json:"number"`
	ExpMonth   string `json:"exp_month"`
	ExpYear    string `json:"exp_year"`
	CVC        string `json:"cvc,omitempty"`
	HolderName string `json:"holder_name,omitempty"`
}

// SplitOutcome is the confirm-split response.
type SplitOutcome struct {
	Payment           Payment        `json:"payment"`
	AttemptsGroupID   string         `json:"attempts_group_id"`
	ExecutedLegs      int            `json:"executed_legs"`
	LastAttempt       Attempt        `json:"last_attempt"`
	ConnectorMetadata map[string]any `json:"connector_metadata,omitempty"`
	ExternalLatencyMS *int64         `json:"external_latency_ms,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PaymentID  string         `json:"intent_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePayment creates a payment intent.
func (c *Client) CreatePayment(ctx context.Context, orderAmount int64, currency string) (Payment, error) {
	body := map[string]any{
		"order_amount": orderAmount,
		"currency":     currency,
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "v0/payments", body, &resp)
	return resp, err
}

// GetPayment fetches a payment intent by id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, "v0/payments/"+url.PathEscape(paymentID), nil, &resp)
	return resp, err
}

// SeedBalance records a gift card balance scoped to a payment.
func (c *Client) SeedBalance(ctx context.Context, paymentID string, card GiftCard, balance int64) error {
	body := map[string]any{
		"payment_method_type": "gift_card",
		"provider":            card.Provider,
		"number":              card.Number,
		"balance":             balance,
	}
	endpoint := fmt.Sprintf("v0/payments/%s/balances", url.PathEscape(paymentID))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// ConfirmSplit confirms a payment with the declared gift cards plus an
// optional primary card.
func (c *Client) ConfirmSplit(ctx context.Context, paymentID string, primary *Card, giftCards []GiftCard) (SplitOutcome, error) {
	body := map[string]any{}
	if primary != nil {
		body["payment_method_type"] = "card"
		body["payment_method_data"] = map[string]any{"card": primary}
	}
	if len(giftCards) > 0 {
		entries := make([]map[string]any, 0, len(giftCards))
		for _, gc := range giftCards {
			entries = append(entries, map[string]any{
				"payment_method_type":    "gift_card",
				"payment_method_subtype": gc.Provider,
				"payment_method_data":    map[string]any{"gift_card": gc},
			})
		}
		body["split_payment_method_data"] = entries
	}
	var resp SplitOutcome
	endpoint := fmt.Sprintf("v0/payments/%s/confirm-split", url.PathEscape(paymentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Attempts lists a payment's attempts in execution order.
func (c *Client) Attempts(ctx context.Context, paymentID string) ([]Attempt, error) {
	var resp []Attempt
	endpoint := fmt.Sprintf("v0/payments/%s/attempts", url.PathEscape(paymentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
