package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "http://localhost:8083"

// DefaultContingencyRate is applied to the subtotal when the request does
// not override it.
const DefaultContingencyRate = 0.10

// Client produces a final cost breakdown for a matched proposal.
type Client interface {
	Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error)
}

// QuoteLine is one matched catalog line to price.
type QuoteLine struct {
	Description string  `json:"description"`
	SKU         string  `json:"sku"`
	Quantity    float64 `json:"quantity"`
}

// QuoteRequest is the request body for POST /v1/quote.
type QuoteRequest struct {
	Counterparty     string      `json:"counterparty"`
	Lines            []QuoteLine `json:"lines"`
	EstimatedRevenue float64     `json:"estimated_revenue"`
	// ContingencyRate overrides DefaultContingencyRate when > 0.
	ContingencyRate float64 `json:"contingency_rate,omitempty"`
}

// CostLine is one material or testing cost entry.
type CostLine struct {
	Label    string  `json:"label"`
	Quantity float64 `json:"quantity"`
	Total    float64 `json:"total"`
}

// QuoteResponse is the full cost breakdown.
type QuoteResponse struct {
	MaterialCosts []CostLine `json:"material_costs"`
	TestingCosts  []CostLine `json:"testing_costs"`
	Subtotal      float64    `json:"subtotal"`
	Contingency   float64    `json:"contingency"`
	GrandTotal    float64    `json:"grand_total"`
	Currency      string     `json:"currency"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pricing: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default service base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a pricing service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if req.ContingencyRate <= 0 {
		req.ContingencyRate = DefaultContingencyRate
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "pricing: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result QuoteResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "pricing: unmarshal response")
	}
	return &result, nil
}
