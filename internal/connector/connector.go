package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"splitpay/internal/config"
	"splitpay/internal/domain"
)

const defaultTimeout = 10 * time.Second

// AuthorizeRequest is the single-leg charge request sent to a processor.
type AuthorizeRequest struct {
	AttemptID  string                   `json:"attempt_id"`
	IntentID   string                   `json:"intent_id"`
	Amount     int64                    `json:"amount"`
	Currency   string                   `json:"currency"`
	MethodType domain.MethodType        `json:"method_type"`
	Method     domain.PaymentMethodData `json:"method"`
}

// AuthorizeResponse is the processor's answer for one leg.
type AuthorizeResponse struct {
	TransactionID string         `json:"transaction_id"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Authorized statuses reported by processors.
const (
	StatusCharged = "charged"
	StatusFailure = "failure"
)

// Connector performs one authorize round trip against a processor.
type Connector interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, int, error)
}

// Registry resolves connectors by name.
type Registry map[string]Connector

func (r Registry) Get(name string) (Connector, bool) {
	c, ok := r[name]
	return c, ok
}

// FromConfig builds HTTP connectors for every configured processor endpoint.
func FromConfig(cfg *config.Config) Registry {
	reg := Registry{}
	if cfg == nil {
		return reg
	}
	for name, cc := range cfg.Connectors {
		timeout := defaultTimeout
		if cc.TimeoutSeconds > 0 {
			timeout = time.Duration(cc.TimeoutSeconds) * time.Second
		}
		reg[name] = &HTTPConnector{
			name:   name,
			url:    cc.URL,
			apiKey: cc.APIKey,
			client: &http.Client{Timeout: timeout},
		}
	}
	return reg
}

// HTTPConnector posts authorize requests as JSON to a processor endpoint.
type HTTPConnector struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

func NewHTTP(name, url, apiKey string, client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPConnector{name: name, url: url, apiKey: apiKey, client: client}
}

func (c *HTTPConnector) Name() string { return c.name }

func (c *HTTPConnector) Authorize(ctx context.Context, reqBody AuthorizeRequest) (AuthorizeResponse, int, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return AuthorizeResponse{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return AuthorizeResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Splitpay-Attempt", reqBody.AttemptID)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return AuthorizeResponse{}, 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return AuthorizeResponse{}, res.StatusCode, fmt.Errorf("connector %s: status %d: %s", c.name, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out AuthorizeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return AuthorizeResponse{}, res.StatusCode, fmt.Errorf("connector %s: decode response: %w", c.name, err)
	}
	return out, res.StatusCode, nil
}
